package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"
)

// snapshotMaxAge bounds how stale the wallet listing may be when a
// caller reads histories outside the poll cycle.
const snapshotMaxAge = 5 * time.Second

var _ Client = (*CoreRPCClient)(nil)

// CoreRPCClient emulates the chain capability surface over a bitcoind
// wallet RPC. The node has no push notifications, so a poll loop
// refreshes a wallet-wide transaction snapshot and synthesizes
// scripthash status events by diffing status tokens between cycles.
type CoreRPCClient struct {
	client    *rpcclient.Client
	netParams *chaincfg.Params

	pollStartDelay time.Duration
	pollInterval   time.Duration

	headerCh     chan TipEvent
	scripthashCh chan ScripthashEvent

	rawTxCache *lru.Cache[string, string]

	mu          sync.RWMutex
	watched     map[string]string // scripthash -> address
	lastTokens  map[string]string // scripthash -> last reported status token
	histories   map[string][]HistoryItem
	lastRefresh time.Time
	tipHeight   int32
	tipHash     string

	poke     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCoreRPCClient(client *rpcclient.Client) *CoreRPCClient {
	rawTxCache, _ := lru.New[string, string](rawTxCacheSize)
	return &CoreRPCClient{
		client:         client,
		netParams:      types.GetBTCNetwork(config.AppConfig.BTCNetworkType),
		pollStartDelay: config.AppConfig.PollStartDelay,
		pollInterval:   config.AppConfig.PollInterval,
		headerCh:       make(chan TipEvent, 64),
		scripthashCh:   make(chan ScripthashEvent, 256),
		rawTxCache:     rawTxCache,
		watched:        make(map[string]string),
		lastTokens:     make(map[string]string),
		histories:      make(map[string][]HistoryItem),
		poke:           make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
}

func (c *CoreRPCClient) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.client.GetBlockCount(); err != nil {
		return fmt.Errorf("bitcoind unreachable: %v", err)
	}
	c.wg.Add(1)
	go c.pollLoop(ctx)
	return nil
}

func (c *CoreRPCClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.wg.Wait()
	})
}

func (c *CoreRPCClient) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	select {
	case <-time.After(c.pollStartDelay):
	case <-ctx.Done():
		return
	case <-c.quit:
		return
	}
	c.poll()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.poll()
		case <-c.poke:
			c.poll()
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		}
	}
}

// poll refreshes the wallet snapshot, announces a new tip when the
// best block changed, and emits scripthash events for every watched
// script whose status token moved since the previous cycle.
func (c *CoreRPCClient) poll() {
	prevHash := c.bestHash()
	if err := c.refresh(); err != nil {
		log.Errorf("Bitcoind poll failed: %v", err)
		return
	}

	c.mu.Lock()
	tipHeight, tipHash := c.tipHeight, c.tipHash
	changed := make([]ScripthashEvent, 0)
	for scripthash := range c.watched {
		token := ComputeStatusToken(c.histories[scripthash])
		last, subscribed := c.lastTokens[scripthash]
		if !subscribed || token == last {
			continue
		}
		c.lastTokens[scripthash] = token
		changed = append(changed, ScripthashEvent{Scripthash: scripthash, Status: token})
	}
	c.mu.Unlock()

	if tipHash != prevHash {
		header, err := c.GetHeader(tipHeight)
		if err != nil {
			log.Errorf("Fetch tip header %d failed: %v", tipHeight, err)
		} else {
			select {
			case c.headerCh <- TipEvent{Height: header.Height, HeaderHex: header.Hex}:
			default:
				log.Warnf("Header event channel full, tip %d dropped", header.Height)
			}
		}
	}
	for _, event := range changed {
		select {
		case c.scripthashCh <- event:
		default:
			log.Warnf("Scripthash event channel full, %s dropped", event.Scripthash)
		}
	}
}

func (c *CoreRPCClient) bestHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash
}

// refresh rebuilds the per-scripthash history snapshot from a full
// wallet listing. Receive entries map directly to their address; send
// entries are attributed to the watched addresses that funded them by
// resolving each input against previously seen receive outpoints.
// Conflicted entries (negative confirmations) are dropped so replaced
// transactions disappear from history, matching electrum semantics.
func (c *CoreRPCClient) refresh() error {
	best, err := c.client.GetBlockCount()
	if err != nil {
		return err
	}
	bestHash, err := c.client.GetBlockHash(best)
	if err != nil {
		return err
	}
	listing, err := c.client.ListSinceBlock(nil)
	if err != nil {
		return err
	}

	c.mu.RLock()
	watchedAddrs := make(map[string]string, len(c.watched)) // address -> scripthash
	for scripthash, address := range c.watched {
		watchedAddrs[address] = scripthash
	}
	c.mu.RUnlock()

	type entryKey struct {
		scripthash string
		txid       string
	}
	items := make(map[entryKey]HistoryItem)
	receivedBy := make(map[string]string) // "txid:vout" -> scripthash
	sendTxids := make(map[string]struct{})

	for _, entry := range listing.Transactions {
		if entry.Confirmations < 0 {
			continue
		}
		switch entry.Category {
		case "receive", "generate", "immature":
			scripthash, ok := watchedAddrs[entry.Address]
			if !ok {
				continue
			}
			outpoint := fmt.Sprintf("%s:%d", entry.TxID, entry.Vout)
			receivedBy[outpoint] = scripthash
			items[entryKey{scripthash, entry.TxID}] = historyEntry(entry, best)
		case "send":
			sendTxids[entry.TxID] = struct{}{}
		}
	}

	// A send spends watched coins without naming the funding address,
	// so walk its inputs against the receive outpoints seen above.
	for _, entry := range listing.Transactions {
		if entry.Category != "send" || entry.Confirmations < 0 {
			continue
		}
		if _, pending := sendTxids[entry.TxID]; !pending {
			continue
		}
		delete(sendTxids, entry.TxID)

		rawHex, err := c.GetTransaction(entry.TxID)
		if err != nil {
			log.Warnf("Resolve send transaction %s failed: %v", entry.TxID, err)
			continue
		}
		msgTx, err := types.DecodeRawTransaction(rawHex)
		if err != nil {
			log.Warnf("Decode send transaction %s failed: %v", entry.TxID, err)
			continue
		}
		for _, txIn := range msgTx.TxIn {
			prevOut := fmt.Sprintf("%s:%d", txIn.PreviousOutPoint.Hash.String(), txIn.PreviousOutPoint.Index)
			scripthash, ok := receivedBy[prevOut]
			if !ok {
				continue
			}
			items[entryKey{scripthash, entry.TxID}] = historyEntry(entry, best)
		}
	}

	histories := make(map[string][]HistoryItem, len(watchedAddrs))
	for key, item := range items {
		histories[key.scripthash] = append(histories[key.scripthash], item)
	}
	for scripthash := range histories {
		sortHistory(histories[scripthash])
	}

	c.mu.Lock()
	c.histories = histories
	c.tipHeight = int32(best)
	c.tipHash = bestHash.String()
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

func historyEntry(entry btcjson.ListTransactionsResult, best int64) HistoryItem {
	item := HistoryItem{TxID: entry.TxID}
	if entry.Confirmations > 0 {
		item.Height = int32(best) - int32(entry.Confirmations) + 1
	}
	if entry.Confirmations == 0 && entry.Fee != nil {
		fee, err := btcutil.NewAmount(math.Abs(*entry.Fee))
		if err == nil {
			item.Fee = int64(fee)
		}
	}
	return item
}

func sortHistory(items []HistoryItem) {
	sort.Slice(items, func(i, j int) bool {
		hi, hj := items[i].Height, items[j].Height
		if hi > 0 && hj > 0 && hi != hj {
			return hi < hj
		}
		if (hi > 0) != (hj > 0) {
			return hi > 0
		}
		return items[i].TxID < items[j].TxID
	})
}

// ensureFresh refetches the wallet snapshot when it is older than the
// staleness bound, so reads triggered outside the poll cycle still see
// recent state.
func (c *CoreRPCClient) ensureFresh() error {
	c.mu.RLock()
	fresh := time.Since(c.lastRefresh) < snapshotMaxAge
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.refresh()
}

func (c *CoreRPCClient) SubscribeHeaders() (*Header, error) {
	best, err := c.client.GetBlockCount()
	if err != nil {
		return nil, err
	}
	header, err := c.GetHeader(int32(best))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tipHeight = header.Height
	c.tipHash = header.Hash
	c.mu.Unlock()
	return header, nil
}

// SubscribeScripthash imports the address as watch-only and returns the
// current status token. Addresses derived by this process have no
// prior history, so no rescan is requested; restoring an old wallet
// onto a fresh node requires a manual rescanblockchain.
func (c *CoreRPCClient) SubscribeScripthash(address, scripthash string) (string, error) {
	if err := c.client.ImportAddressRescan(address, "", false); err != nil {
		return "", fmt.Errorf("import address %s: %v", address, err)
	}
	c.mu.Lock()
	c.watched[scripthash] = address
	c.mu.Unlock()

	if err := c.ensureFresh(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	token := ComputeStatusToken(c.histories[scripthash])
	c.lastTokens[scripthash] = token
	return token, nil
}

func (c *CoreRPCClient) SubscribeScripthashes(addresses, scripthashes []string) ([]string, []error, error) {
	statuses := make([]string, len(scripthashes))
	errs := make([]error, len(scripthashes))
	for i := range scripthashes {
		statuses[i], errs[i] = c.SubscribeScripthash(addresses[i], scripthashes[i])
	}
	return statuses, errs, nil
}

func (c *CoreRPCClient) HeaderEvents() <-chan TipEvent {
	return c.headerCh
}

func (c *CoreRPCClient) ScripthashEvents() <-chan ScripthashEvent {
	return c.scripthashCh
}

func (c *CoreRPCClient) Done() <-chan struct{} {
	return c.quit
}

func (c *CoreRPCClient) Err() error {
	return nil
}

func (c *CoreRPCClient) GetHistory(scripthash string) ([]HistoryItem, error) {
	if err := c.ensureFresh(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := c.histories[scripthash]
	history := make([]HistoryItem, len(items))
	copy(history, items)
	return history, nil
}

func (c *CoreRPCClient) GetMempool(scripthash string) ([]HistoryItem, error) {
	history, err := c.GetHistory(scripthash)
	if err != nil {
		return nil, err
	}
	mempool := make([]HistoryItem, 0)
	for _, item := range history {
		if item.Height <= 0 {
			mempool = append(mempool, item)
		}
	}
	return mempool, nil
}

func (c *CoreRPCClient) GetTransaction(txid string) (string, error) {
	if rawHex, ok := c.rawTxCache.Get(txid); ok {
		return rawHex, nil
	}
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return "", fmt.Errorf("invalid txid %s: %v", txid, err)
	}

	// Wallet transactions first, raw lookup as fallback for inputs
	// outside the wallet (needs txindex on the node).
	var rawHex string
	if result, err := c.client.GetTransaction(txHash); err == nil {
		rawHex = result.Hex
	} else {
		verbose, rawErr := c.client.GetRawTransactionVerbose(txHash)
		if rawErr != nil {
			return "", fmt.Errorf("transaction %s not found: %v", txid, rawErr)
		}
		rawHex = verbose.Hex
	}
	c.rawTxCache.Add(txid, rawHex)
	return rawHex, nil
}

func (c *CoreRPCClient) GetTransactions(txids []string) (map[string]string, error) {
	rawTxs := make(map[string]string, len(txids))
	for _, txid := range txids {
		rawHex, err := c.GetTransaction(txid)
		if err != nil {
			log.Warnf("Transaction fetch failed for %s: %v", txid, err)
			continue
		}
		rawTxs[txid] = rawHex
	}
	return rawTxs, nil
}

func (c *CoreRPCClient) GetHeader(height int32) (*Header, error) {
	blockHash, err := c.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, fmt.Errorf("block hash at %d: %v", height, err)
	}
	header, err := c.client.GetBlockHeader(blockHash)
	if err != nil {
		return nil, fmt.Errorf("block header %s: %v", blockHash, err)
	}
	return &Header{
		Height: height,
		Hash:   header.BlockHash().String(),
		Hex:    serializeHeader(header),
		Time:   header.Timestamp.Unix(),
	}, nil
}

func serializeHeader(header *wire.BlockHeader) string {
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf.Bytes())
}

func (c *CoreRPCClient) GetHeaders(heights []int32) (map[int32]*Header, error) {
	headers := make(map[int32]*Header, len(heights))
	for _, height := range heights {
		header, err := c.GetHeader(height)
		if err != nil {
			log.Warnf("Header fetch failed for height %d: %v", height, err)
			continue
		}
		headers[height] = header
	}
	return headers, nil
}

func (c *CoreRPCClient) ListUnspent(scripthash string) ([]Unspent, error) {
	c.mu.RLock()
	address := c.watched[scripthash]
	tipHeight := c.tipHeight
	c.mu.RUnlock()
	if address == "" {
		return nil, fmt.Errorf("scripthash %s not watched", scripthash)
	}
	decoded, err := btcutil.DecodeAddress(address, c.netParams)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %v", address, err)
	}
	results, err := c.client.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{decoded})
	if err != nil {
		return nil, err
	}
	unspents := make([]Unspent, 0, len(results))
	for _, result := range results {
		amount, err := btcutil.NewAmount(result.Amount)
		if err != nil {
			continue
		}
		var height int32
		if result.Confirmations > 0 {
			height = tipHeight - int32(result.Confirmations) + 1
		}
		unspents = append(unspents, Unspent{
			TxID:   result.TxID,
			Vout:   result.Vout,
			Value:  int64(amount),
			Height: height,
		})
	}
	return unspents, nil
}

func (c *CoreRPCClient) GetBalance(scripthash string) (int64, int64, error) {
	unspents, err := c.ListUnspent(scripthash)
	if err != nil {
		return 0, 0, err
	}
	var confirmed, unconfirmed int64
	for _, unspent := range unspents {
		if unspent.Height > 0 {
			confirmed += unspent.Value
		} else {
			unconfirmed += unspent.Value
		}
	}
	return confirmed, unconfirmed, nil
}

func (c *CoreRPCClient) Broadcast(rawHex string) (string, error) {
	msgTx, err := types.DecodeRawTransaction(rawHex)
	if err != nil {
		return "", fmt.Errorf("decode raw transaction: %v", err)
	}
	txHash, err := c.client.SendRawTransaction(msgTx, false)
	if err != nil {
		if rpcErr, ok := err.(*btcjson.RPCError); ok {
			switch rpcErr.Code {
			case btcjson.ErrRPCTxAlreadyInChain:
				return msgTx.TxHash().String(), nil
			case btcjson.ErrRPCTxError, btcjson.ErrRPCTxRejected:
				return "", fmt.Errorf("%w: %v", ErrNetworkRejected, rpcErr.Message)
			}
		}
		return "", err
	}

	// Pull the new transaction into the snapshot without waiting a
	// full poll interval.
	select {
	case c.poke <- struct{}{}:
	default:
	}
	return txHash.String(), nil
}

func (c *CoreRPCClient) EstimateFee(target int) (int64, error) {
	estimate, err := c.client.EstimateSmartFee(int64(target), &btcjson.EstimateModeConservative)
	if err != nil {
		return 0, err
	}
	if estimate.FeeRate == nil || *estimate.FeeRate <= 0 {
		return 0, fmt.Errorf("no fee estimate available for target %d", target)
	}
	amount, err := btcutil.NewAmount(*estimate.FeeRate)
	if err != nil {
		return 0, fmt.Errorf("invalid fee estimate %f: %v", *estimate.FeeRate, err)
	}
	return int64(amount), nil
}

func (c *CoreRPCClient) RelayFee() int64 {
	info, err := c.client.GetNetworkInfo()
	if err != nil {
		log.Warnf("Relay fee unavailable, using default %d sat/kvB: %v", DefaultRelayFee, err)
		return DefaultRelayFee
	}
	amount, err := btcutil.NewAmount(info.RelayFee)
	if err != nil || amount <= 0 {
		log.Warnf("Relay fee conversion failed, using default %d sat/kvB: %v", DefaultRelayFee, err)
		return DefaultRelayFee
	}
	return int64(amount)
}

func (c *CoreRPCClient) TipHeight() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHeight
}

func (c *CoreRPCClient) SupportsBatchRequests() bool {
	return false
}
