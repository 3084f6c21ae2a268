package electrum

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const protocolVersion = "1.4"

var (
	ErrDisconnected = errors.New("electrum: server disconnected")
	ErrTimeout      = errors.New("electrum: request timed out")
	ErrNoBatch      = errors.New("electrum: server does not support batch requests")
)

// TipHeader is a chain tip announcement.
type TipHeader struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// ScripthashEvent reports a changed scripthash status token.
type ScripthashEvent struct {
	Scripthash string
	Status     string
}

type request struct {
	JsonRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client speaks the line delimited JSON-RPC dialect of Electrum servers over
// a single connection. A client is single use: once the connection drops the
// owner builds a fresh one.
type Client struct {
	conn net.Conn
	url  string

	requestTimeout time.Duration
	pingInterval   time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *response
	closed  bool
	err     error

	serverSoftware string
	supportsBatch  bool

	headerCh     chan TipHeader
	scripthashCh chan ScripthashEvent
	quit         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

type Options struct {
	URL            string
	Proxy          string
	ClientName     string
	RequestTimeout time.Duration
	PingInterval   time.Duration
}

// Dial connects, performs the version handshake and starts the read and ping
// loops.
func Dial(opts Options) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 60 * time.Second
	}

	host, useTLS := parseURL(opts.URL)
	conn, err := dial(host, opts.Proxy, opts.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", host, err)
	}
	if useTLS {
		// Electrum servers commonly present self-signed certificates.
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %v", host, err)
		}
		conn = tlsConn
	}

	c := &Client{
		conn:           conn,
		url:            opts.URL,
		requestTimeout: opts.RequestTimeout,
		pingInterval:   opts.PingInterval,
		pending:        make(map[uint64]chan *response),
		headerCh:       make(chan TipHeader, 64),
		scripthashCh:   make(chan ScripthashEvent, 256),
		quit:           make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	if err := c.handshake(opts.ClientName); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func parseURL(url string) (host string, useTLS bool) {
	switch {
	case strings.HasPrefix(url, "ssl://"):
		return strings.TrimPrefix(url, "ssl://"), true
	case strings.HasPrefix(url, "tcp://"):
		return strings.TrimPrefix(url, "tcp://"), false
	default:
		return url, false
	}
}

func dial(host, proxyAddr string, timeout time.Duration) (net.Conn, error) {
	if proxyAddr != "" {
		socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build socks5 dialer: %v", err)
		}
		return socks.Dial("tcp", host)
	}
	return net.DialTimeout("tcp", host, timeout)
}

func (c *Client) handshake(clientName string) error {
	if clientName == "" {
		clientName = "keel-syncer"
	}
	var result []string
	if err := c.Call("server.version", []interface{}{clientName, protocolVersion}, &result); err != nil {
		return fmt.Errorf("server.version handshake failed: %v", err)
	}
	if len(result) > 0 {
		c.serverSoftware = result[0]
	}
	c.supportsBatch = strings.HasPrefix(c.serverSoftware, "ElectrumX")
	log.Infof("Electrum server connected, software: %s, batch: %v", c.serverSoftware, c.supportsBatch)
	return nil
}

// ServerSoftware reports the software banner from the version handshake.
func (c *Client) ServerSoftware() string {
	return c.serverSoftware
}

func (c *Client) SupportsBatch() bool {
	return c.supportsBatch
}

// Headers delivers chain tip announcements after SubscribeHeaders.
func (c *Client) Headers() <-chan TipHeader {
	return c.headerCh
}

// Scripthashes delivers status change events for subscribed scripthashes.
func (c *Client) Scripthashes() <-chan ScripthashEvent {
	return c.scripthashCh
}

// Done is closed when the connection is gone; Err holds the cause.
func (c *Client) Done() <-chan struct{} {
	return c.quit
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() {
	c.teardown(ErrDisconnected)
	c.wg.Wait()
}

func (c *Client) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.conn.Close()
		// a closed reply channel reads as disconnected
		for _, ch := range pending {
			close(ch)
		}
		close(c.quit)
	})
}

// Call sends one request and decodes its result, absorbing the reply into
// result when non-nil.
func (c *Client) Call(method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id, replyCh, err := c.register()
	if err != nil {
		return err
	}

	payload, err := sonic.Marshal(&request{JsonRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.unregister(id)
		return fmt.Errorf("failed to marshal %s request: %v", method, err)
	}
	if err := c.write(payload); err != nil {
		c.unregister(id)
		return err
	}

	resp, err := c.await(id, replyCh)
	if err != nil {
		return err
	}
	if err := decodeError(resp); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %v", method, err)
	}
	return nil
}

// CallBatch sends one request per params entry in a single JSON array and
// returns the raw results aligned to the input order. Per entry failures
// land in errs without failing the whole batch.
func (c *Client) CallBatch(method string, paramsList [][]interface{}) ([]json.RawMessage, []error, error) {
	if !c.supportsBatch {
		return nil, nil, ErrNoBatch
	}
	if len(paramsList) == 0 {
		return nil, nil, nil
	}

	ids := make([]uint64, len(paramsList))
	chans := make([]chan *response, len(paramsList))
	requests := make([]*request, len(paramsList))
	for i, params := range paramsList {
		if params == nil {
			params = []interface{}{}
		}
		id, replyCh, err := c.register()
		if err != nil {
			for j := 0; j < i; j++ {
				c.unregister(ids[j])
			}
			return nil, nil, err
		}
		ids[i] = id
		chans[i] = replyCh
		requests[i] = &request{JsonRPC: "2.0", ID: id, Method: method, Params: params}
	}

	payload, err := sonic.Marshal(requests)
	if err != nil {
		for _, id := range ids {
			c.unregister(id)
		}
		return nil, nil, fmt.Errorf("failed to marshal %s batch: %v", method, err)
	}
	if err := c.write(payload); err != nil {
		for _, id := range ids {
			c.unregister(id)
		}
		return nil, nil, err
	}

	results := make([]json.RawMessage, len(paramsList))
	errs := make([]error, len(paramsList))
	for i := range paramsList {
		resp, err := c.await(ids[i], chans[i])
		if err != nil {
			errs[i] = err
			continue
		}
		if err := decodeError(resp); err != nil {
			errs[i] = err
			continue
		}
		results[i] = resp.Result
	}
	return results, errs, nil
}

func (c *Client) register() (uint64, chan *response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	replyCh := make(chan *response, 1)
	c.pending[id] = replyCh
	return id, replyCh, nil
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(payload []byte) error {
	payload = append(payload, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("write failed: %v", err)
	}
	return nil
}

func (c *Client) await(id uint64, replyCh chan *response) (*response, error) {
	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-replyCh:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, nil
	case <-timer.C:
		c.unregister(id)
		return nil, ErrTimeout
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.teardown(ErrDisconnected)
			return
		}
		c.handleLine(bytes.TrimSpace(line))
	}
}

func (c *Client) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	if line[0] == '[' {
		var resps []*response
		if err := sonic.Unmarshal(line, &resps); err != nil {
			log.Warnf("Electrum batch response decode failed: %v", err)
			return
		}
		for _, resp := range resps {
			c.dispatch(resp)
		}
		return
	}
	var resp response
	if err := sonic.Unmarshal(line, &resp); err != nil {
		log.Warnf("Electrum response decode failed: %v", err)
		return
	}
	c.dispatch(&resp)
}

func (c *Client) dispatch(resp *response) {
	if resp.ID == nil {
		c.handleNotification(resp)
		return
	}
	c.mu.Lock()
	replyCh, ok := c.pending[*resp.ID]
	delete(c.pending, *resp.ID)
	c.mu.Unlock()
	if !ok {
		log.Debugf("Electrum response for unknown request id %d dropped", *resp.ID)
		return
	}
	replyCh <- resp
}

func (c *Client) handleNotification(resp *response) {
	switch resp.Method {
	case "blockchain.headers.subscribe":
		var params []TipHeader
		if err := sonic.Unmarshal(resp.Params, &params); err != nil || len(params) == 0 {
			log.Warnf("Electrum header notification decode failed: %v", err)
			return
		}
		select {
		case c.headerCh <- params[0]:
		case <-c.quit:
		}
	case "blockchain.scripthash.subscribe":
		var params []*string
		if err := sonic.Unmarshal(resp.Params, &params); err != nil || len(params) < 2 || params[0] == nil {
			log.Warnf("Electrum scripthash notification decode failed: %v", err)
			return
		}
		event := ScripthashEvent{Scripthash: *params[0]}
		if params[1] != nil {
			event.Status = *params[1]
		}
		select {
		case c.scripthashCh <- event:
		case <-c.quit:
		}
	default:
		log.Debugf("Electrum notification %s ignored", resp.Method)
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			if err := c.Call("server.ping", nil, nil); err != nil {
				log.Warnf("Electrum ping failed: %v", err)
				c.teardown(ErrDisconnected)
				return
			}
		}
	}
}

func decodeError(resp *response) error {
	if len(resp.Error) == 0 || string(resp.Error) == "null" {
		return nil
	}
	var rpcErr rpcError
	if err := sonic.Unmarshal(resp.Error, &rpcErr); err == nil && rpcErr.Message != "" {
		return fmt.Errorf("electrum: %s (code %d)", rpcErr.Message, rpcErr.Code)
	}
	var msg string
	if err := sonic.Unmarshal(resp.Error, &msg); err == nil {
		return fmt.Errorf("electrum: %s", msg)
	}
	return fmt.Errorf("electrum: %s", string(resp.Error))
}
