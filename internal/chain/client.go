package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrDisconnected is returned by any call made while the backend
	// connection is gone.
	ErrDisconnected = errors.New("chain: backend disconnected")
	// ErrNetworkRejected is returned by Broadcast when the network refuses
	// the transaction.
	ErrNetworkRejected = errors.New("chain: transaction rejected by network rules")
)

// DefaultRelayFee is the sat/kvB floor assumed when the backend cannot
// report its own.
const DefaultRelayFee int64 = 1000

// HistoryItem is one entry of a scripthash history. Height 0 means mempool;
// Fee is only known for mempool entries.
type HistoryItem struct {
	TxID   string
	Height int32
	Fee    int64
}

// Unspent is one unspent output of a scripthash.
type Unspent struct {
	TxID   string
	Vout   uint32
	Value  int64
	Height int32
}

// Header is a fetched block header.
type Header struct {
	Height int32
	Hash   string
	Hex    string
	Time   int64
}

// TipEvent announces a new chain tip.
type TipEvent struct {
	Height    int32
	HeaderHex string
}

// ScripthashEvent reports a changed status token for a watched scripthash.
type ScripthashEvent struct {
	Scripthash string
	Status     string
}

// Client is the capability surface a chain backend exposes to the
// synchronizer. Implementations are single use per connection: after Done
// fires the owner builds a fresh client.
type Client interface {
	// Start connects or begins polling. The context only covers startup.
	Start(ctx context.Context) error
	// Stop is idempotent.
	Stop()

	// SubscribeHeaders arms tip notifications and returns the current tip.
	SubscribeHeaders() (*Header, error)
	// SubscribeScripthash arms notifications for one scripthash and returns
	// its current status token, empty when it has no history.
	SubscribeScripthash(address, scripthash string) (string, error)
	// SubscribeScripthashes is the batched form; statuses and errs align to
	// the input order.
	SubscribeScripthashes(addresses, scripthashes []string) ([]string, []error, error)

	HeaderEvents() <-chan TipEvent
	ScripthashEvents() <-chan ScripthashEvent
	// Done is closed when the connection is lost; Err holds the cause.
	Done() <-chan struct{}
	Err() error

	GetHistory(scripthash string) ([]HistoryItem, error)
	GetMempool(scripthash string) ([]HistoryItem, error)
	GetTransaction(txid string) (string, error)
	// GetTransactions fetches raw transactions keyed by txid; failed txids
	// are absent from the map.
	GetTransactions(txids []string) (map[string]string, error)
	GetHeader(height int32) (*Header, error)
	// GetHeaders fetches headers keyed by height; failed heights are absent
	// from the map.
	GetHeaders(heights []int32) (map[int32]*Header, error)
	ListUnspent(scripthash string) ([]Unspent, error)
	GetBalance(scripthash string) (confirmed, unconfirmed int64, err error)

	Broadcast(rawHex string) (string, error)
	// EstimateFee returns sat/kvB for the confirmation target.
	EstimateFee(target int) (int64, error)
	// RelayFee returns the network relay floor in sat/kvB, falling back to
	// DefaultRelayFee when the backend cannot answer.
	RelayFee() int64

	TipHeight() int32
	SupportsBatchRequests() bool
}

// ComputeStatusToken derives the Electrum status token of a history: the
// sha256 over the concatenated "txid:height:" entries, hex encoded. An empty
// history has an empty token.
func ComputeStatusToken(items []HistoryItem) string {
	if len(items) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for _, item := range items {
		buf.WriteString(item.TxID)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(int64(item.Height), 10))
		buf.WriteByte(':')
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// ParseHeader decodes an 80 byte header hex into its hash and timestamp.
func ParseHeader(height int32, headerHex string) (*Header, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %v", err)
	}
	var blockHeader wire.BlockHeader
	if err := blockHeader.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %v", err)
	}
	return &Header{
		Height: height,
		Hash:   blockHeader.BlockHash().String(),
		Hex:    headerHex,
		Time:   blockHeader.Timestamp.Unix(),
	}, nil
}
