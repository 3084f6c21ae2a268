package state

import (
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/types"
)

// WalletState caches wallets and their addresses, keyed by wallet id
type WalletState struct {
	Wallets   []*db.Wallet
	Addresses map[string][]*db.WalletAddress
}

// ChainTipState caches the latest observed chain tip
type ChainTipState struct {
	Latest db.ChainTip
}

// TransactionEvent is published on EventTransactionFound and
// EventTransactionReplaced
type TransactionEvent struct {
	WalletID string
	TxID     string
	Status   types.TransactionStatus
}

// BlockEvent is published on EventBlockHeight
type BlockEvent struct {
	Height    int32
	HeaderHex string
}

// BalanceEvent is published on EventBalanceUpdated and EventWalletSynced
type BalanceEvent struct {
	WalletID           string
	Balance            int64
	UnconfirmedBalance int64
}

// ConnectionEvent is published on EventConnectionStatus
type ConnectionEvent struct {
	Status  types.ConnectionStatus
	Percent int
}
