package electrum

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// HistoryItem is one confirmed or mempool entry of a scripthash history.
// Fee is only present on mempool entries.
type HistoryItem struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
	Fee    int64  `json:"fee,omitempty"`
}

// UnspentItem is one unspent output of a scripthash.
type UnspentItem struct {
	Height int32  `json:"height"`
	TxPos  uint32 `json:"tx_pos"`
	TxHash string `json:"tx_hash"`
	Value  int64  `json:"value"`
}

// Balance is the server side confirmed/unconfirmed split in satoshis.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// SubscribeHeaders subscribes to chain tip announcements and returns the
// current tip.
func (c *Client) SubscribeHeaders() (*TipHeader, error) {
	var tip TipHeader
	if err := c.Call("blockchain.headers.subscribe", nil, &tip); err != nil {
		return nil, err
	}
	return &tip, nil
}

// SubscribeScripthash subscribes one scripthash and returns its current
// status token, empty for a scripthash with no history.
func (c *Client) SubscribeScripthash(scripthash string) (string, error) {
	var status *string
	if err := c.Call("blockchain.scripthash.subscribe", []interface{}{scripthash}, &status); err != nil {
		return "", err
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// SubscribeScripthashes batches subscriptions; statuses and errs align to
// the input order.
func (c *Client) SubscribeScripthashes(scripthashes []string) ([]string, []error, error) {
	paramsList := make([][]interface{}, len(scripthashes))
	for i, scripthash := range scripthashes {
		paramsList[i] = []interface{}{scripthash}
	}
	results, errs, err := c.CallBatch("blockchain.scripthash.subscribe", paramsList)
	if err != nil {
		return nil, nil, err
	}
	statuses := make([]string, len(scripthashes))
	for i, raw := range results {
		if errs[i] != nil || len(raw) == 0 {
			continue
		}
		var status *string
		if decodeErr := sonic.Unmarshal(raw, &status); decodeErr != nil {
			errs[i] = fmt.Errorf("failed to decode subscribe status: %v", decodeErr)
			continue
		}
		if status != nil {
			statuses[i] = *status
		}
	}
	return statuses, errs, nil
}

func (c *Client) GetHistory(scripthash string) ([]HistoryItem, error) {
	var items []HistoryItem
	if err := c.Call("blockchain.scripthash.get_history", []interface{}{scripthash}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) GetMempool(scripthash string) ([]HistoryItem, error) {
	var items []HistoryItem
	if err := c.Call("blockchain.scripthash.get_mempool", []interface{}{scripthash}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) GetTransactionHex(txid string) (string, error) {
	var rawHex string
	if err := c.Call("blockchain.transaction.get", []interface{}{txid}, &rawHex); err != nil {
		return "", err
	}
	return rawHex, nil
}

// GetTransactionsHex batch fetches raw transactions keyed by txid; txids the
// server failed on are absent from the map.
func (c *Client) GetTransactionsHex(txids []string) (map[string]string, []error, error) {
	paramsList := make([][]interface{}, len(txids))
	for i, txid := range txids {
		paramsList[i] = []interface{}{txid}
	}
	results, errs, err := c.CallBatch("blockchain.transaction.get", paramsList)
	if err != nil {
		return nil, nil, err
	}
	rawTxs := make(map[string]string, len(txids))
	for i, raw := range results {
		if errs[i] != nil || len(raw) == 0 {
			continue
		}
		var rawHex string
		if decodeErr := sonic.Unmarshal(raw, &rawHex); decodeErr != nil {
			errs[i] = fmt.Errorf("failed to decode transaction hex: %v", decodeErr)
			continue
		}
		rawTxs[txids[i]] = rawHex
	}
	return rawTxs, errs, nil
}

func (c *Client) GetBlockHeader(height int32) (string, error) {
	var headerHex string
	if err := c.Call("blockchain.block.header", []interface{}{height}, &headerHex); err != nil {
		return "", err
	}
	return headerHex, nil
}

// GetBlockHeaders batch fetches headers keyed by height.
func (c *Client) GetBlockHeaders(heights []int32) (map[int32]string, []error, error) {
	paramsList := make([][]interface{}, len(heights))
	for i, height := range heights {
		paramsList[i] = []interface{}{height}
	}
	results, errs, err := c.CallBatch("blockchain.block.header", paramsList)
	if err != nil {
		return nil, nil, err
	}
	headers := make(map[int32]string, len(heights))
	for i, raw := range results {
		if errs[i] != nil || len(raw) == 0 {
			continue
		}
		var headerHex string
		if decodeErr := sonic.Unmarshal(raw, &headerHex); decodeErr != nil {
			errs[i] = fmt.Errorf("failed to decode block header: %v", decodeErr)
			continue
		}
		headers[heights[i]] = headerHex
	}
	return headers, errs, nil
}

func (c *Client) ListUnspent(scripthash string) ([]UnspentItem, error) {
	var items []UnspentItem
	if err := c.Call("blockchain.scripthash.listunspent", []interface{}{scripthash}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) GetBalance(scripthash string) (*Balance, error) {
	var balance Balance
	if err := c.Call("blockchain.scripthash.get_balance", []interface{}{scripthash}, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// EstimateFee returns the server estimate in BTC per kvB, -1 when the server
// has no estimate.
func (c *Client) EstimateFee(target int) (float64, error) {
	var fee float64
	if err := c.Call("blockchain.estimatefee", []interface{}{target}, &fee); err != nil {
		return 0, err
	}
	return fee, nil
}

// RelayFee returns the server relay floor in BTC per kvB.
func (c *Client) RelayFee() (float64, error) {
	var fee float64
	if err := c.Call("blockchain.relayfee", nil, &fee); err != nil {
		return 0, err
	}
	return fee, nil
}

func (c *Client) Broadcast(rawHex string) (string, error) {
	var txid string
	if err := c.Call("blockchain.transaction.broadcast", []interface{}{rawHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}
