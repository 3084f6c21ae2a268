package state

import (
	"fmt"
	"time"

	"github.com/keelwallet/keel-syncer/internal/db"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func (s *State) GetWallets() []*db.Wallet {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	wallets := make([]*db.Wallet, len(s.walletState.Wallets))
	copy(wallets, s.walletState.Wallets)
	return wallets
}

func (s *State) GetWallet(walletId string) (*db.Wallet, bool) {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	for _, wallet := range s.walletState.Wallets {
		if wallet.WalletId == walletId {
			found := *wallet
			return &found, true
		}
	}
	return nil, false
}

func (s *State) CreateWallet(wallet *db.Wallet) error {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	var existing db.Wallet
	err := s.dbm.GetWalletDB().Where("wallet_id = ?", wallet.WalletId).First(&existing).Error
	if err == nil {
		return fmt.Errorf("wallet %s already exists", wallet.WalletId)
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}

	wallet.CreatedAt = time.Now()
	wallet.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Create(wallet); result.Error != nil {
		return result.Error
	}

	s.walletState.Wallets = append(s.walletState.Wallets, wallet)
	return nil
}

// DeleteWallet removes the wallet with its addresses and transactions
func (s *State) DeleteWallet(walletId string) error {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	walletDb := s.dbm.GetWalletDB()
	if result := walletDb.Where("wallet_id = ?", walletId).Delete(&db.WalletTransaction{}); result.Error != nil {
		return result.Error
	}
	if result := walletDb.Where("wallet_id = ?", walletId).Delete(&db.WalletAddress{}); result.Error != nil {
		return result.Error
	}
	if result := walletDb.Where("wallet_id = ?", walletId).Delete(&db.Wallet{}); result.Error != nil {
		return result.Error
	}

	for i, wallet := range s.walletState.Wallets {
		if wallet.WalletId == walletId {
			s.walletState.Wallets = append(s.walletState.Wallets[:i], s.walletState.Wallets[i+1:]...)
			break
		}
	}
	delete(s.walletState.Addresses, walletId)
	return nil
}

// GetAllAddresses returns every address of the wallet, external and
// internal chains, ascending index order
func (s *State) GetAllAddresses(walletId string) []*db.WalletAddress {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	addresses := make([]*db.WalletAddress, len(s.walletState.Addresses[walletId]))
	copy(addresses, s.walletState.Addresses[walletId])
	return addresses
}

func (s *State) GetAddresses(walletId string, internal bool) []*db.WalletAddress {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	var addresses []*db.WalletAddress
	for _, address := range s.walletState.Addresses[walletId] {
		if address.Internal == internal {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

// LastAddressIndex returns the highest persisted index of the chain,
// -1 when the chain has no addresses yet
func (s *State) LastAddressIndex(walletId string, internal bool) int {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	last := -1
	for _, address := range s.walletState.Addresses[walletId] {
		if address.Internal == internal && address.AddrIndex > last {
			last = address.AddrIndex
		}
	}
	return last
}

// AddAddress persists a derived address; adding the same wallet/address
// pair twice is a no-op returning the stored record
func (s *State) AddAddress(walletId, address string, addrIndex int, internal bool) (*db.WalletAddress, error) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	if existing := s.findAddress(walletId, address); existing != nil {
		return existing, nil
	}

	record := &db.WalletAddress{
		WalletId:  walletId,
		Address:   address,
		AddrIndex: addrIndex,
		Internal:  internal,
		Used:      false,
		Status:    "",
		UpdatedAt: time.Now(),
	}
	if result := s.dbm.GetWalletDB().Create(record); result.Error != nil {
		return nil, result.Error
	}

	s.walletState.Addresses[walletId] = append(s.walletState.Addresses[walletId], record)
	return record, nil
}

func (s *State) MarkAddressUsed(walletId, address string) error {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	record := s.findAddress(walletId, address)
	if record == nil {
		return fmt.Errorf("address %s not found for wallet %s", address, walletId)
	}
	if record.Used {
		return nil
	}
	record.Used = true
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return result.Error
	}
	return nil
}

// GetAddressStatus returns the last reconciled status token
func (s *State) GetAddressStatus(walletId, address string) (string, bool) {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	record := s.findAddress(walletId, address)
	if record == nil {
		return "", false
	}
	return record.Status, true
}

func (s *State) SetAddressStatus(walletId, address, status string) error {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	record := s.findAddress(walletId, address)
	if record == nil {
		return fmt.Errorf("address %s not found for wallet %s", address, walletId)
	}
	record.Status = status
	if status != "" {
		record.Used = true
	}
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return result.Error
	}
	return nil
}

// SetWalletBalance persists the projected balances and publishes an
// EventBalanceUpdated
func (s *State) SetWalletBalance(walletId string, balance, unconfirmedBalance int64) error {
	s.walletMu.Lock()

	var target *db.Wallet
	for _, wallet := range s.walletState.Wallets {
		if wallet.WalletId == walletId {
			target = wallet
			break
		}
	}
	if target == nil {
		s.walletMu.Unlock()
		return fmt.Errorf("wallet %s not found", walletId)
	}
	if target.Balance == balance && target.UnconfirmedBalance == unconfirmedBalance {
		s.walletMu.Unlock()
		return nil
	}

	target.Balance = balance
	target.UnconfirmedBalance = unconfirmedBalance
	target.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(target); result.Error != nil {
		s.walletMu.Unlock()
		log.Errorf("State save wallet balance error: %v", result.Error)
		return result.Error
	}
	s.walletMu.Unlock()

	s.EventBus.Publish(EventBalanceUpdated, BalanceEvent{
		WalletID:           walletId,
		Balance:            balance,
		UnconfirmedBalance: unconfirmedBalance,
	})
	return nil
}

func (s *State) GetWalletBalance(walletId string) (int64, int64, bool) {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	for _, wallet := range s.walletState.Wallets {
		if wallet.WalletId == walletId {
			return wallet.Balance, wallet.UnconfirmedBalance, true
		}
	}
	return 0, 0, false
}

// findAddress expects the wallet mutex held
func (s *State) findAddress(walletId, address string) *db.WalletAddress {
	for _, record := range s.walletState.Addresses[walletId] {
		if record.Address == address {
			return record
		}
	}
	return nil
}
