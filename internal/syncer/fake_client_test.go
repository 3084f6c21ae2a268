package syncer

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/types"
	"github.com/stretchr/testify/require"
)

// testXpub is the BIP-32 test vector 1 master public key; external/internal
// branch children derive from it without private material.
const testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

var _ chain.Client = (*fakeClient)(nil)

// fakeClient is an in-memory chain backend: histories keyed by scripthash,
// raw transactions keyed by txid, plus hooks to push notifications and to
// drop the connection.
type fakeClient struct {
	mu    sync.Mutex
	batch bool

	tip       *chain.Header
	histories map[string][]chain.HistoryItem
	rawTxs    map[string]string
	headers   map[int32]*chain.Header
	unspents  map[string][]chain.Unspent

	broadcastErr error
	broadcasts   []string
	feeRate      int64
	relayFee     int64

	subscribeCalls int
	batchCalls     int

	headerCh     chan chain.TipEvent
	scripthashCh chan chain.ScripthashEvent
	done         chan struct{}
	doneOnce     sync.Once
	err          error
}

func newFakeClient(batch bool) *fakeClient {
	return &fakeClient{
		batch:        batch,
		tip:          &chain.Header{Height: 100, Hex: genesisHeaderHex, Time: 1231006505},
		histories:    make(map[string][]chain.HistoryItem),
		rawTxs:       make(map[string]string),
		headers:      make(map[int32]*chain.Header),
		unspents:     make(map[string][]chain.Unspent),
		feeRate:      2500,
		relayFee:     1200,
		headerCh:     make(chan chain.TipEvent, 16),
		scripthashCh: make(chan chain.ScripthashEvent, 64),
		done:         make(chan struct{}),
	}
}

const genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"

func (f *fakeClient) Start(ctx context.Context) error { return ctx.Err() }

func (f *fakeClient) Stop() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeClient) SubscribeHeaders() (*chain.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeClient) SubscribeScripthash(address, scripthash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	return chain.ComputeStatusToken(f.histories[scripthash]), nil
}

func (f *fakeClient) SubscribeScripthashes(addresses, scripthashes []string) ([]string, []error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	statuses := make([]string, len(scripthashes))
	errs := make([]error, len(scripthashes))
	for i, scripthash := range scripthashes {
		statuses[i] = chain.ComputeStatusToken(f.histories[scripthash])
	}
	return statuses, errs, nil
}

func (f *fakeClient) HeaderEvents() <-chan chain.TipEvent             { return f.headerCh }
func (f *fakeClient) ScripthashEvents() <-chan chain.ScripthashEvent { return f.scripthashCh }
func (f *fakeClient) Done() <-chan struct{}                          { return f.done }

func (f *fakeClient) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeClient) GetHistory(scripthash string) ([]chain.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.histories[scripthash]
	out := make([]chain.HistoryItem, len(items))
	copy(out, items)
	return out, nil
}

func (f *fakeClient) GetMempool(scripthash string) ([]chain.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.HistoryItem
	for _, item := range f.histories[scripthash] {
		if item.Height <= 0 {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeClient) GetTransaction(txid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rawTx, ok := f.rawTxs[txid]
	if !ok {
		return "", chain.ErrDisconnected
	}
	return rawTx, nil
}

func (f *fakeClient) GetTransactions(txids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rawTxs := make(map[string]string, len(txids))
	for _, txid := range txids {
		if rawTx, ok := f.rawTxs[txid]; ok {
			rawTxs[txid] = rawTx
		}
	}
	return rawTxs, nil
}

func (f *fakeClient) GetHeader(height int32) (*chain.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header, ok := f.headers[height]
	if !ok {
		return nil, chain.ErrDisconnected
	}
	return header, nil
}

func (f *fakeClient) GetHeaders(heights []int32) (map[int32]*chain.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	headers := make(map[int32]*chain.Header, len(heights))
	for _, height := range heights {
		if header, ok := f.headers[height]; ok {
			headers[height] = header
		}
	}
	return headers, nil
}

func (f *fakeClient) ListUnspent(scripthash string) ([]chain.Unspent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unspents[scripthash], nil
}

func (f *fakeClient) GetBalance(scripthash string) (int64, int64, error) {
	return 0, 0, nil
}

func (f *fakeClient) Broadcast(rawHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	txid, err := types.TxIDFromRawHex(rawHex)
	if err != nil {
		return "", err
	}
	f.broadcasts = append(f.broadcasts, txid)
	return txid, nil
}

func (f *fakeClient) EstimateFee(target int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeRate, nil
}

func (f *fakeClient) RelayFee() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relayFee
}

func (f *fakeClient) TipHeight() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip.Height
}

func (f *fakeClient) SupportsBatchRequests() bool { return f.batch }

// setHistory replaces one scripthash history and returns its new token.
func (f *fakeClient) setHistory(scripthash string, items ...chain.HistoryItem) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[scripthash] = items
	return chain.ComputeStatusToken(items)
}

func (f *fakeClient) addRawTx(txid, rawHex string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawTxs[txid] = rawHex
}

func (f *fakeClient) addHeader(height int32, blockTime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[height] = &chain.Header{Height: height, Time: blockTime}
}

func (f *fakeClient) notify(scripthash, status string) {
	f.scripthashCh <- chain.ScripthashEvent{Scripthash: scripthash, Status: status}
}

func (f *fakeClient) disconnect() {
	f.mu.Lock()
	f.err = chain.ErrDisconnected
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

// newTestSyncer builds a synchronizer over a fresh sqlite store and the
// given backend fixture.
func newTestSyncer(t *testing.T, client chain.Client) (*Synchronizer, *state.State) {
	t.Helper()
	return newSyncerWithFactory(t, func() (chain.Client, error) { return client, nil })
}

func newSyncerWithFactory(t *testing.T, factory ClientFactory) (*Synchronizer, *state.State) {
	t.Helper()
	t.Setenv("DB_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("RECONNECT_DELAY", "20ms")
	t.Setenv("SUBSCRIBE_PACING", "1ms")
	config.InitConfig()

	dbm := db.NewDatabaseManager()
	st := state.InitializeState(dbm)
	s := NewSynchronizer(st, factory)
	return s, st
}

func startSyncer(t *testing.T, s *Synchronizer) {
	t.Helper()
	s.Run()
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForReady(ctx))
	waitState(t, s, StateReady)
}

func waitState(t *testing.T, s *Synchronizer, want SyncState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, s.State())
}

func waitCondition(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// witnessAddress builds a deterministic P2WPKH address from a seed byte.
func witnessAddress(t *testing.T, seed byte) string {
	t.Helper()
	var keyHash [20]byte
	for i := range keyHash {
		keyHash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(keyHash[:], &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func scripthashOf(t *testing.T, address string) string {
	t.Helper()
	scripthash, err := types.ScripthashFromAddress(address, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return scripthash
}

type payout struct {
	address string
	value   int64
}

// buildRawTx serializes a transaction paying the given outputs; inputs
// reference arbitrary outpoints expressed as "txid:vout" strings.
func buildRawTx(t *testing.T, spends []wire.OutPoint, payouts []payout) (string, string) {
	t.Helper()
	msgTx := wire.NewMsgTx(wire.TxVersion)
	for i := range spends {
		msgTx.AddTxIn(wire.NewTxIn(&spends[i], nil, nil))
	}
	for _, out := range payouts {
		script, err := types.PayToAddrScript(out.address, &chaincfg.MainNetParams)
		require.NoError(t, err)
		msgTx.AddTxOut(wire.NewTxOut(out.value, script))
	}
	var buf bytes.Buffer
	require.NoError(t, msgTx.Serialize(&buf))
	return msgTx.TxHash().String(), hex.EncodeToString(buf.Bytes())
}

func outPoint(t *testing.T, txid string, vout uint32) wire.OutPoint {
	t.Helper()
	hash, err := chainhash.NewHashFromStr(txid)
	require.NoError(t, err)
	return wire.OutPoint{Hash: *hash, Index: vout}
}

func walletFixture(walletId string, gapLimit int) *db.Wallet {
	return &db.Wallet{
		WalletId:    walletId,
		Name:        "sync test",
		M:           1,
		N:           1,
		WalletType:  types.WalletSingleSig.String(),
		AddressType: types.AddressNativeSegwit.String(),
		Xpubs:       testXpub,
		GapLimit:    gapLimit,
	}
}
