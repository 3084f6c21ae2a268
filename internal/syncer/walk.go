package syncer

import (
	"errors"

	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"
)

// walk is the full sync pass: every wallet, newest first, every known
// address. It returns whether all addresses reconciled cleanly; the error
// is non-nil only when the walk had to abort (cancelled or disconnected).
func (s *Synchronizer) walk(client chain.Client) (bool, error) {
	wallets := s.st.GetWallets()
	total := len(wallets)
	if total == 0 {
		s.setProgress(100)
		return true, nil
	}

	fullySynced := true
	for i := total - 1; i >= 0; i-- {
		if !s.active() {
			return fullySynced, errSyncCancelled
		}
		wallet := wallets[i]

		ok, err := s.syncWallet(client, wallet)
		if err != nil {
			return false, err
		}
		if !ok {
			fullySynced = false
		}
		s.syncWalletLedger(wallet)

		done := total - i
		percent := done * 100 / total
		s.setProgress(percent)
		s.publishConnection(s.connectionStatus(), percent)
		log.Debugf("Wallet %s synced, progress %d%%", wallet.WalletId, percent)
	}
	return fullySynced, nil
}

// syncWallet subscribes every address of one wallet and reconciles the
// ones whose status token moved. Per-address failures are absorbed.
func (s *Synchronizer) syncWallet(client chain.Client, wallet *db.Wallet) (bool, error) {
	addresses := s.st.GetAllAddresses(wallet.WalletId)
	if len(addresses) == 0 {
		return true, nil
	}
	if client.SupportsBatchRequests() {
		return s.syncWalletBatched(client, wallet.WalletId, addresses)
	}
	return s.syncWalletSequential(client, wallet.WalletId, addresses)
}

// syncWalletBatched issues one multi-subscribe for the whole wallet, then
// reconciles only the addresses whose token differs from the stored one.
func (s *Synchronizer) syncWalletBatched(client chain.Client, walletId string, records []*db.WalletAddress) (bool, error) {
	fullySynced := true

	addresses := make([]string, 0, len(records))
	scripthashes := make([]string, 0, len(records))
	kept := make([]*db.WalletAddress, 0, len(records))
	for _, record := range records {
		scripthash, err := s.registry.Add(walletId, record.Address)
		if err != nil {
			log.Warnf("Failed to register %s: %v", record.Address, err)
			fullySynced = false
			continue
		}
		addresses = append(addresses, record.Address)
		scripthashes = append(scripthashes, scripthash)
		kept = append(kept, record)
	}
	if len(kept) == 0 {
		return fullySynced, nil
	}

	statuses, errs, err := client.SubscribeScripthashes(addresses, scripthashes)
	if err != nil {
		if errors.Is(err, chain.ErrDisconnected) {
			return false, err
		}
		log.Warnf("Batch subscribe failed for wallet %s: %v", walletId, err)
		return false, nil
	}

	for i, record := range kept {
		if !s.active() {
			return fullySynced, errSyncCancelled
		}
		if errs[i] != nil {
			log.Warnf("Subscribe failed for %s: %v", record.Address, errs[i])
			fullySynced = false
			continue
		}
		stored, _ := s.st.GetAddressStatus(walletId, record.Address)
		if stored == statuses[i] {
			continue
		}
		ok, err := s.reconcileAddress(client, walletId, record.Address, scripthashes[i], statuses[i])
		if err != nil {
			if errors.Is(err, chain.ErrDisconnected) {
				return false, err
			}
			log.Warnf("Reconcile of %s failed: %v", record.Address, err)
			fullySynced = false
			continue
		}
		if !ok {
			fullySynced = false
		}
	}
	return fullySynced, nil
}

// syncWalletSequential walks addresses newest first, one subscribe at a
// time with pacing, and reconciles immediately on a changed token.
func (s *Synchronizer) syncWalletSequential(client chain.Client, walletId string, records []*db.WalletAddress) (bool, error) {
	fullySynced := true

	for i := len(records) - 1; i >= 0; i-- {
		if !s.active() {
			return fullySynced, errSyncCancelled
		}
		record := records[i]

		scripthash, err := s.registry.Add(walletId, record.Address)
		if err != nil {
			log.Warnf("Failed to register %s: %v", record.Address, err)
			fullySynced = false
			continue
		}
		status, err := client.SubscribeScripthash(record.Address, scripthash)
		if err != nil {
			if errors.Is(err, chain.ErrDisconnected) {
				return false, err
			}
			log.Warnf("Subscribe failed for %s: %v", record.Address, err)
			fullySynced = false
			s.pause()
			continue
		}

		stored, _ := s.st.GetAddressStatus(walletId, record.Address)
		if stored != status {
			ok, err := s.reconcileAddress(client, walletId, record.Address, scripthash, status)
			if err != nil {
				if errors.Is(err, chain.ErrDisconnected) {
					return false, err
				}
				log.Warnf("Reconcile of %s failed: %v", record.Address, err)
				fullySynced = false
			} else if !ok {
				fullySynced = false
			}
		}
		s.pause()
	}
	return fullySynced, nil
}

// connectionStatus maps the FSM state to the listener-facing status.
func (s *Synchronizer) connectionStatus() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return types.ConnectionOnline
	case StateSyncing:
		return types.ConnectionSyncing
	default:
		return types.ConnectionOffline
	}
}
