package db

import (
	"time"

	"github.com/keelwallet/keel-syncer/internal/db/migrations"
	log "github.com/sirupsen/logrus"
)

// Wallet model
type Wallet struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	WalletId    string `gorm:"not null;uniqueIndex" json:"wallet_id"`
	Name        string `gorm:"not null" json:"name"`
	M           int    `gorm:"not null" json:"m"`
	N           int    `gorm:"not null" json:"n"`
	WalletType  string `gorm:"not null" json:"wallet_type"`  // "singlesig", "multisig", "escrow"
	AddressType string `gorm:"not null" json:"address_type"` // "native_segwit", "nested_segwit", "taproot", "legacy"
	Xpubs       string `json:"xpubs"`                        // comma separated account xpubs, one per signer
	GapLimit    int    `gorm:"not null" json:"gap_limit"`

	// satoshis, refreshed after each sync pass
	Balance            int64 `gorm:"not null" json:"balance"`
	UnconfirmedBalance int64 `gorm:"not null" json:"unconfirmed_balance"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// WalletAddress model
type WalletAddress struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	WalletId  string    `gorm:"not null;index:idx_wallet_address,unique" json:"wallet_id"`
	Address   string    `gorm:"not null;index:idx_wallet_address,unique" json:"address"`
	AddrIndex int       `gorm:"not null" json:"addr_index"` // -1 for the escrow slot
	Internal  bool      `gorm:"not null" json:"internal"`
	Used      bool      `gorm:"not null" json:"used"`
	Status    string    `json:"status"` // last reconciled scripthash status token
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// WalletTransaction model
type WalletTransaction struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WalletId       string    `gorm:"not null;index:idx_wallet_txid,unique" json:"wallet_id"`
	Txid           string    `gorm:"not null;index:idx_wallet_txid,unique" json:"txid"`
	RawTx          string    `gorm:"not null" json:"raw_tx"`
	Height         int32     `gorm:"not null" json:"height"` // -1 local, 0 mempool, -2 rejected, >0 block height
	BlockTime      int64     `gorm:"not null" json:"block_time"`
	Fee            int64     `gorm:"not null" json:"fee"`
	Memo           string    `json:"memo"`
	ChangePos      int       `gorm:"not null" json:"change_pos"`
	Status         string    `gorm:"not null" json:"status"` // "pending_signatures", "ready_to_broadcast", "network_rejected", "pending_confirmation", "replaced", "confirmed"
	RequiredSigs   int       `gorm:"not null" json:"required_sigs"`
	Signers        []byte    `json:"signers"` // signer slot bitmap
	ReplacedByTxid string    `json:"replaced_by_txid"`
	RejectReason   string    `json:"reject_reason"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

// ChainTip model (only 1 record)
type ChainTip struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Height    int32     `gorm:"not null" json:"height"`
	Hash      string    `json:"hash"`
	HeaderHex string    `json:"header_hex"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// HeaderData model, caches fetched block headers by height
type HeaderData struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Height    int32  `gorm:"unique;not null" json:"height"`
	Hash      string `gorm:"not null" json:"hash"`
	HeaderHex string `gorm:"not null" json:"header_hex"`
	BlockTime int64  `gorm:"not null" json:"block_time"`
}

func (dm *DatabaseManager) autoMigrate() {
	if err := dm.walletDb.AutoMigrate(&Wallet{}, &WalletAddress{}, &WalletTransaction{}); err != nil {
		log.Fatalf("Failed to migrate wallet database: %v", err)
	}
	if err := dm.chainDb.AutoMigrate(&ChainTip{}, &HeaderData{}); err != nil {
		log.Fatalf("Failed to migrate chain database: %v", err)
	}

	manager := migrations.NewMigrationManager(dm.walletDb)
	if err := manager.EnsureMigrationTable(); err != nil {
		log.Fatalf("Failed to create migrations table: %v", err)
	}
	if err := manager.RunMigration("backfill_rejected_height", migrations.BackfillRejectedHeight); err != nil {
		log.Fatalf("Failed to migrate wallet database: %v", err)
	}
}
