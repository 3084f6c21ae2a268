package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/electrum"
	log "github.com/sirupsen/logrus"
)

const networkRejectedPrefix = "the transaction was rejected by network rules."

// rawTxCacheSize bounds the in-memory raw transaction cache. Raw
// transactions never change for a given txid, so entries are never
// invalidated, only evicted.
const rawTxCacheSize = 2048

var _ Client = (*ElectrumClient)(nil)

// ElectrumClient adapts the Electrum wire client to the chain capability
// surface.
type ElectrumClient struct {
	opts electrum.Options

	conn *electrum.Client

	headerCh     chan TipEvent
	scripthashCh chan ScripthashEvent

	rawTxCache *lru.Cache[string, string]

	mu        sync.RWMutex
	tipHeight int32

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewElectrumClient() *ElectrumClient {
	rawTxCache, _ := lru.New[string, string](rawTxCacheSize)
	return &ElectrumClient{
		opts: electrum.Options{
			URL:            config.AppConfig.ElectrumURL,
			Proxy:          config.AppConfig.ElectrumProxy,
			ClientName:     config.AppConfig.ElectrumClientName,
			RequestTimeout: config.AppConfig.RequestTimeout,
			PingInterval:   config.AppConfig.PingInterval,
		},
		headerCh:     make(chan TipEvent, 64),
		scripthashCh: make(chan ScripthashEvent, 256),
		rawTxCache:   rawTxCache,
	}
}

func (c *ElectrumClient) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := electrum.Dial(c.opts)
	if err != nil {
		return err
	}
	c.conn = conn

	c.wg.Add(2)
	go c.pumpHeaders()
	go c.pumpScripthashes()
	return nil
}

func (c *ElectrumClient) Stop() {
	c.stopOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
		c.wg.Wait()
	})
}

func (c *ElectrumClient) pumpHeaders() {
	defer c.wg.Done()
	for {
		select {
		case tip := <-c.conn.Headers():
			c.setTipHeight(tip.Height)
			select {
			case c.headerCh <- TipEvent{Height: tip.Height, HeaderHex: tip.Hex}:
			default:
				log.Warnf("Header event channel full, tip %d dropped", tip.Height)
			}
		case <-c.conn.Done():
			return
		}
	}
}

func (c *ElectrumClient) pumpScripthashes() {
	defer c.wg.Done()
	for {
		select {
		case event := <-c.conn.Scripthashes():
			select {
			case c.scripthashCh <- ScripthashEvent{Scripthash: event.Scripthash, Status: event.Status}:
			default:
				log.Warnf("Scripthash event channel full, %s dropped", event.Scripthash)
			}
		case <-c.conn.Done():
			return
		}
	}
}

func (c *ElectrumClient) setTipHeight(height int32) {
	c.mu.Lock()
	if height > c.tipHeight {
		c.tipHeight = height
	}
	c.mu.Unlock()
}

func (c *ElectrumClient) SubscribeHeaders() (*Header, error) {
	tip, err := c.conn.SubscribeHeaders()
	if err != nil {
		return nil, mapElectrumErr(err)
	}
	c.setTipHeight(tip.Height)
	header, err := ParseHeader(tip.Height, tip.Hex)
	if err != nil {
		return nil, err
	}
	return header, nil
}

func (c *ElectrumClient) SubscribeScripthash(address, scripthash string) (string, error) {
	status, err := c.conn.SubscribeScripthash(scripthash)
	if err != nil {
		return "", mapElectrumErr(err)
	}
	return status, nil
}

func (c *ElectrumClient) SubscribeScripthashes(addresses, scripthashes []string) ([]string, []error, error) {
	if !c.conn.SupportsBatch() {
		return nil, nil, electrum.ErrNoBatch
	}
	statuses, errs, err := c.conn.SubscribeScripthashes(scripthashes)
	if err != nil {
		return nil, nil, mapElectrumErr(err)
	}
	for i := range errs {
		if errs[i] != nil {
			errs[i] = mapElectrumErr(errs[i])
		}
	}
	return statuses, errs, nil
}

func (c *ElectrumClient) HeaderEvents() <-chan TipEvent {
	return c.headerCh
}

func (c *ElectrumClient) ScripthashEvents() <-chan ScripthashEvent {
	return c.scripthashCh
}

func (c *ElectrumClient) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *ElectrumClient) Err() error {
	return mapElectrumErr(c.conn.Err())
}

func (c *ElectrumClient) GetHistory(scripthash string) ([]HistoryItem, error) {
	items, err := c.conn.GetHistory(scripthash)
	if err != nil {
		return nil, mapElectrumErr(err)
	}
	return convertHistory(items), nil
}

func (c *ElectrumClient) GetMempool(scripthash string) ([]HistoryItem, error) {
	items, err := c.conn.GetMempool(scripthash)
	if err != nil {
		return nil, mapElectrumErr(err)
	}
	return convertHistory(items), nil
}

func convertHistory(items []electrum.HistoryItem) []HistoryItem {
	history := make([]HistoryItem, 0, len(items))
	for _, item := range items {
		history = append(history, HistoryItem{TxID: item.TxHash, Height: item.Height, Fee: item.Fee})
	}
	return history
}

func (c *ElectrumClient) GetTransaction(txid string) (string, error) {
	if rawHex, ok := c.rawTxCache.Get(txid); ok {
		return rawHex, nil
	}
	rawHex, err := c.conn.GetTransactionHex(txid)
	if err != nil {
		return "", mapElectrumErr(err)
	}
	c.rawTxCache.Add(txid, rawHex)
	return rawHex, nil
}

func (c *ElectrumClient) GetTransactions(txids []string) (map[string]string, error) {
	rawTxs := make(map[string]string, len(txids))
	missing := make([]string, 0, len(txids))
	for _, txid := range txids {
		if rawHex, ok := c.rawTxCache.Get(txid); ok {
			rawTxs[txid] = rawHex
		} else {
			missing = append(missing, txid)
		}
	}
	if len(missing) == 0 {
		return rawTxs, nil
	}

	if c.conn.SupportsBatch() {
		fetched, errs, err := c.conn.GetTransactionsHex(missing)
		if err != nil {
			return nil, mapElectrumErr(err)
		}
		for i, itemErr := range errs {
			if itemErr != nil {
				log.Warnf("Batch transaction fetch failed for %s: %v", missing[i], itemErr)
			}
		}
		for txid, rawHex := range fetched {
			c.rawTxCache.Add(txid, rawHex)
			rawTxs[txid] = rawHex
		}
		return rawTxs, nil
	}

	for _, txid := range missing {
		rawHex, err := c.conn.GetTransactionHex(txid)
		if err != nil {
			if errors.Is(err, electrum.ErrDisconnected) {
				return rawTxs, ErrDisconnected
			}
			log.Warnf("Transaction fetch failed for %s: %v", txid, err)
			continue
		}
		c.rawTxCache.Add(txid, rawHex)
		rawTxs[txid] = rawHex
	}
	return rawTxs, nil
}

func (c *ElectrumClient) GetHeader(height int32) (*Header, error) {
	headerHex, err := c.conn.GetBlockHeader(height)
	if err != nil {
		return nil, mapElectrumErr(err)
	}
	return ParseHeader(height, headerHex)
}

func (c *ElectrumClient) GetHeaders(heights []int32) (map[int32]*Header, error) {
	if len(heights) == 0 {
		return map[int32]*Header{}, nil
	}
	headers := make(map[int32]*Header, len(heights))
	if c.conn.SupportsBatch() {
		headerHexes, errs, err := c.conn.GetBlockHeaders(heights)
		if err != nil {
			return nil, mapElectrumErr(err)
		}
		for i, itemErr := range errs {
			if itemErr != nil {
				log.Warnf("Batch header fetch failed for height %d: %v", heights[i], itemErr)
			}
		}
		for height, headerHex := range headerHexes {
			header, parseErr := ParseHeader(height, headerHex)
			if parseErr != nil {
				log.Warnf("Header parse failed for height %d: %v", height, parseErr)
				continue
			}
			headers[height] = header
		}
		return headers, nil
	}

	for _, height := range heights {
		header, err := c.GetHeader(height)
		if err != nil {
			if errors.Is(err, ErrDisconnected) {
				return headers, ErrDisconnected
			}
			log.Warnf("Header fetch failed for height %d: %v", height, err)
			continue
		}
		headers[height] = header
	}
	return headers, nil
}

func (c *ElectrumClient) ListUnspent(scripthash string) ([]Unspent, error) {
	items, err := c.conn.ListUnspent(scripthash)
	if err != nil {
		return nil, mapElectrumErr(err)
	}
	unspents := make([]Unspent, 0, len(items))
	for _, item := range items {
		unspents = append(unspents, Unspent{
			TxID:   item.TxHash,
			Vout:   item.TxPos,
			Value:  item.Value,
			Height: item.Height,
		})
	}
	return unspents, nil
}

func (c *ElectrumClient) GetBalance(scripthash string) (int64, int64, error) {
	balance, err := c.conn.GetBalance(scripthash)
	if err != nil {
		return 0, 0, mapElectrumErr(err)
	}
	return balance.Confirmed, balance.Unconfirmed, nil
}

func (c *ElectrumClient) Broadcast(rawHex string) (string, error) {
	txid, err := c.conn.Broadcast(rawHex)
	if err != nil {
		if strings.Contains(err.Error(), networkRejectedPrefix) {
			return "", fmt.Errorf("%w: %v", ErrNetworkRejected, err)
		}
		return "", mapElectrumErr(err)
	}
	return txid, nil
}

func (c *ElectrumClient) EstimateFee(target int) (int64, error) {
	btcPerKvB, err := c.conn.EstimateFee(target)
	if err != nil {
		return 0, mapElectrumErr(err)
	}
	if btcPerKvB <= 0 {
		return 0, fmt.Errorf("no fee estimate available for target %d", target)
	}
	amount, err := btcutil.NewAmount(btcPerKvB)
	if err != nil {
		return 0, fmt.Errorf("invalid fee estimate %f: %v", btcPerKvB, err)
	}
	return int64(amount), nil
}

func (c *ElectrumClient) RelayFee() int64 {
	btcPerKvB, err := c.conn.RelayFee()
	if err != nil || btcPerKvB <= 0 {
		log.Warnf("Relay fee unavailable, using default %d sat/kvB: %v", DefaultRelayFee, err)
		return DefaultRelayFee
	}
	amount, err := btcutil.NewAmount(btcPerKvB)
	if err != nil {
		log.Warnf("Relay fee conversion failed, using default %d sat/kvB: %v", DefaultRelayFee, err)
		return DefaultRelayFee
	}
	return int64(amount)
}

func (c *ElectrumClient) TipHeight() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHeight
}

func (c *ElectrumClient) SupportsBatchRequests() bool {
	return c.conn.SupportsBatch()
}

func mapElectrumErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, electrum.ErrDisconnected) {
		return ErrDisconnected
	}
	return err
}
