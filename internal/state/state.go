package state

import (
	"sync"

	"github.com/keelwallet/keel-syncer/internal/db"
	log "github.com/sirupsen/logrus"
)

type State struct {
	EventBus *EventBus

	dbm *db.DatabaseManager

	// Separate mutexes for different sub-modules
	walletMu sync.RWMutex
	txMu     sync.RWMutex
	tipMu    sync.RWMutex

	walletState WalletState
	tipState    ChainTipState
}

// InitializeState initializes the state by reading from the DB
func InitializeState(dbm *db.DatabaseManager) *State {
	var (
		wallets   []*db.Wallet
		addresses []*db.WalletAddress
		chainTip  db.ChainTip
	)

	walletDb := dbm.GetWalletDB()
	chainDb := dbm.GetChainDB()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := walletDb.Order("created_at asc").Find(&wallets).Error; err != nil {
			log.Warnf("Failed to load wallets: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := walletDb.Order("addr_index asc").Find(&addresses).Error; err != nil {
			log.Warnf("Failed to load wallet addresses: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := chainDb.First(&chainTip).Error; err != nil {
			log.Warnf("Failed to load chain tip: %v", err)
			chainTip = db.ChainTip{Height: 0}
		}
	}()

	wg.Wait()

	byWallet := make(map[string][]*db.WalletAddress)
	for _, address := range addresses {
		byWallet[address.WalletId] = append(byWallet[address.WalletId], address)
	}

	log.Infof("State init on startup, wallets: %d, addresses: %d, chain tip: %d", len(wallets), len(addresses), chainTip.Height)

	return &State{
		EventBus: NewEventBus(),

		dbm: dbm,

		walletState: WalletState{
			Wallets:   wallets,
			Addresses: byWallet,
		},
		tipState: ChainTipState{
			Latest: chainTip,
		},
	}
}
