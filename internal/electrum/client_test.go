package electrum

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
)

type fakeServer struct {
	t            *testing.T
	ln           net.Listener
	software     string
	reverseBatch bool

	mu       sync.Mutex
	conn     net.Conn
	handlers map[string]func(params []interface{}) (interface{}, *rpcError)
}

func newFakeServer(t *testing.T, software string) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	s := &fakeServer{
		t:        t,
		ln:       ln,
		software: software,
		handlers: make(map[string]func(params []interface{}) (interface{}, *rpcError)),
	}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) handle(method string, fn func(params []interface{}) (interface{}, *rpcError)) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var out []byte
		if line[0] == '[' {
			var reqs []request
			if err := sonic.Unmarshal(line, &reqs); err != nil {
				s.t.Errorf("fake server failed to decode batch: %v", err)
				continue
			}
			resps := make([]map[string]interface{}, 0, len(reqs))
			for _, req := range reqs {
				resps = append(resps, s.respond(req))
			}
			if s.reverseBatch {
				for i, j := 0, len(resps)-1; i < j; i, j = i+1, j-1 {
					resps[i], resps[j] = resps[j], resps[i]
				}
			}
			out, _ = sonic.Marshal(resps)
		} else {
			var req request
			if err := sonic.Unmarshal(line, &req); err != nil {
				s.t.Errorf("fake server failed to decode request: %v", err)
				continue
			}
			out, _ = sonic.Marshal(s.respond(req))
		}
		conn.Write(append(out, '\n'))
	}
}

func (s *fakeServer) respond(req request) map[string]interface{} {
	switch req.Method {
	case "server.version":
		return map[string]interface{}{"id": req.ID, "result": []string{s.software, "1.4"}}
	case "server.ping":
		return map[string]interface{}{"id": req.ID, "result": nil}
	}
	s.mu.Lock()
	handler := s.handlers[req.Method]
	s.mu.Unlock()
	if handler == nil {
		return map[string]interface{}{"id": req.ID, "error": map[string]interface{}{"code": -32601, "message": "unknown method"}}
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		return map[string]interface{}{"id": req.ID, "error": map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}}
	}
	return map[string]interface{}{"id": req.ID, "result": result}
}

func (s *fakeServer) notify(method string, params []interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatalf("no connection to notify on")
	}
	out, _ := sonic.Marshal(map[string]interface{}{"method": method, "params": params})
	conn.Write(append(out, '\n'))
}

func (s *fakeServer) dropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func dialFake(t *testing.T, s *fakeServer) *Client {
	c, err := Dial(Options{
		URL:            "tcp://" + s.addr(),
		ClientName:     "keel-syncer-test",
		RequestTimeout: 2 * time.Second,
		PingInterval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to dial fake server: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClientHandshake(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	c := dialFake(t, s)
	assert.Equal(t, "ElectrumX 1.16.0", c.ServerSoftware())
	assert.True(t, c.SupportsBatch())
}

func TestClientHandshakeNoBatch(t *testing.T) {
	s := newFakeServer(t, "Fulcrum 1.9.0")
	c := dialFake(t, s)
	assert.False(t, c.SupportsBatch())

	_, _, err := c.CallBatch("blockchain.block.header", [][]interface{}{{1}})
	assert.ErrorIs(t, err, ErrNoBatch)
}

func TestSubscribeScripthash(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	s.handle("blockchain.scripthash.subscribe", func(params []interface{}) (interface{}, *rpcError) {
		if params[0] == "aa" {
			return "token-1", nil
		}
		return nil, nil
	})
	c := dialFake(t, s)

	status, err := c.SubscribeScripthash("aa")
	assert.NoError(t, err)
	assert.Equal(t, "token-1", status)

	status, err = c.SubscribeScripthash("bb")
	assert.NoError(t, err)
	assert.Equal(t, "", status)
}

func TestGetHistory(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	s.handle("blockchain.scripthash.get_history", func(params []interface{}) (interface{}, *rpcError) {
		return []map[string]interface{}{
			{"height": 800000, "tx_hash": "t1"},
			{"height": 0, "tx_hash": "t2", "fee": 310},
		}, nil
	})
	c := dialFake(t, s)

	items, err := c.GetHistory("aa")
	if err != nil {
		t.Fatalf("Failed to fetch history: %v", err)
	}
	assert.Len(t, items, 2)
	assert.Equal(t, int32(800000), items[0].Height)
	assert.Equal(t, "t1", items[0].TxHash)
	assert.Equal(t, int64(310), items[1].Fee)
}

func TestBatchOutOfOrderResponses(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	s.reverseBatch = true
	s.handle("blockchain.block.header", func(params []interface{}) (interface{}, *rpcError) {
		height := int32(params[0].(float64))
		if height == 13 {
			return nil, &rpcError{Code: 1, Message: "height out of range"}
		}
		return map[int32]string{11: "aa11", 12: "bb12"}[height], nil
	})
	c := dialFake(t, s)

	headers, errs, err := c.GetBlockHeaders([]int32{11, 12, 13})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Error(t, errs[2])
	assert.Equal(t, "aa11", headers[11])
	assert.Equal(t, "bb12", headers[12])
	_, ok := headers[13]
	assert.False(t, ok)
}

func TestNotificationDispatch(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	c := dialFake(t, s)

	s.notify("blockchain.headers.subscribe", []interface{}{map[string]interface{}{"height": 800001, "hex": "beef"}})
	select {
	case tip := <-c.Headers():
		assert.Equal(t, int32(800001), tip.Height)
		assert.Equal(t, "beef", tip.Hex)
	case <-time.After(2 * time.Second):
		t.Fatal("header notification not delivered")
	}

	s.notify("blockchain.scripthash.subscribe", []interface{}{"aa", "token-2"})
	select {
	case event := <-c.Scripthashes():
		assert.Equal(t, "aa", event.Scripthash)
		assert.Equal(t, "token-2", event.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("scripthash notification not delivered")
	}
}

func TestServerErrorDecoded(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	s.handle("blockchain.transaction.broadcast", func(params []interface{}) (interface{}, *rpcError) {
		return nil, &rpcError{Code: 2, Message: "the transaction was rejected by network rules.\n\ndust"}
	})
	c := dialFake(t, s)

	_, err := c.Broadcast("deadbeef")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rejected by network rules")
}

func TestDisconnectResolvesPending(t *testing.T) {
	s := newFakeServer(t, "ElectrumX 1.16.0")
	s.handle("blockchain.scripthash.get_history", func(params []interface{}) (interface{}, *rpcError) {
		s.dropConnection()
		return nil, nil
	})
	c := dialFake(t, s)

	_, err := c.GetHistory("aa")
	assert.ErrorIs(t, err, ErrDisconnected)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not report disconnect")
	}
	assert.ErrorIs(t, c.Err(), ErrDisconnected)

	_, err = c.GetHistory("bb")
	assert.ErrorIs(t, err, ErrDisconnected)
}
