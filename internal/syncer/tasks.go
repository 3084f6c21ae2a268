package syncer

import (
	"errors"
	"fmt"

	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/ledger"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"
)

// enqueue posts a closure to the worker. Tasks run between notifications,
// never concurrently with a walk or with each other.
func (s *Synchronizer) enqueue(task func(chain.Client)) error {
	s.mu.Lock()
	stopped := s.state == StateStopped
	s.mu.Unlock()
	if stopped {
		return errors.New("synchronizer is stopped")
	}
	select {
	case s.tasks <- task:
		return nil
	default:
		return errors.New("task queue full")
	}
}

// AttachWallet stores a new wallet and schedules its address discovery.
func (s *Synchronizer) AttachWallet(wallet *db.Wallet) error {
	if err := s.st.CreateWallet(wallet); err != nil {
		return err
	}
	return s.RescanWallet(wallet.WalletId)
}

// DetachWallet drops a wallet, its subscriptions and its stored rows.
// Backend notifications for its scripthashes resolve to nothing afterwards.
func (s *Synchronizer) DetachWallet(walletId string) error {
	s.registry.RemoveWallet(walletId)
	return s.st.DeleteWallet(walletId)
}

// RescanWallet schedules gap-limit discovery plus a reconcile pass for one
// wallet, used after a restore from seed.
func (s *Synchronizer) RescanWallet(walletId string) error {
	if _, ok := s.st.GetWallet(walletId); !ok {
		return fmt.Errorf("unknown wallet %s", walletId)
	}
	return s.enqueue(func(client chain.Client) {
		s.rescan(client, walletId)
	})
}

func (s *Synchronizer) rescan(client chain.Client, walletId string) {
	record, ok := s.st.GetWallet(walletId)
	if !ok {
		return
	}
	log.Infof("Rescanning wallet %s", walletId)
	if err := s.discoverWallet(client, record); err != nil {
		log.Warnf("Discovery of wallet %s failed: %v", walletId, err)
	}
	if _, err := s.syncWallet(client, record); err != nil {
		log.Warnf("Rescan of wallet %s aborted: %v", walletId, err)
		return
	}
	s.syncWalletLedger(record)
}

// Broadcast submits a raw transaction through the backend. A network
// rejection is persisted on the owning record; success moves it to the
// mempool.
func (s *Synchronizer) Broadcast(rawHex string) (string, error) {
	client, err := s.liveClient()
	if err != nil {
		return "", err
	}
	txid, err := client.Broadcast(rawHex)
	if err != nil {
		if errors.Is(err, chain.ErrNetworkRejected) {
			s.markRejected(rawHex, err)
		}
		return "", err
	}
	s.markBroadcast(txid, rawHex)
	return txid, nil
}

func (s *Synchronizer) markRejected(rawHex string, cause error) {
	txid, err := types.TxIDFromRawHex(rawHex)
	if err != nil {
		log.Warnf("Rejected transaction does not parse: %v", err)
		return
	}
	walletId, _, ok := s.findTransaction(txid)
	if !ok {
		return
	}
	if err := s.st.SetRejectReason(walletId, txid, cause.Error()); err != nil {
		log.Warnf("Failed to persist rejection of %s: %v", txid, err)
		return
	}
	log.Warnf("Transaction %s rejected by network: %v", txid, cause)
	if s.stateIs(StateReady) {
		s.st.EventBus.Publish(state.EventTransactionFound, state.TransactionEvent{
			WalletID: walletId,
			TxID:     txid,
			Status:   types.TxNetworkRejected,
		})
	}
}

func (s *Synchronizer) markBroadcast(txid, rawHex string) {
	walletId, _, ok := s.findTransaction(txid)
	if !ok {
		return
	}
	changed, err := s.st.UpdateTransaction(walletId, txid, rawHex, types.HeightMempool, 0)
	if err != nil {
		log.Warnf("Failed to move %s to mempool: %v", txid, err)
		return
	}
	if changed && s.stateIs(StateReady) {
		s.st.EventBus.Publish(state.EventTransactionFound, state.TransactionEvent{
			WalletID: walletId,
			TxID:     txid,
			Status:   types.TxPendingConfirmation,
		})
	}
}

func (s *Synchronizer) findTransaction(txid string) (string, *db.WalletTransaction, bool) {
	for _, wallet := range s.st.GetWallets() {
		if record, ok := s.st.GetTransaction(wallet.WalletId, txid); ok {
			return wallet.WalletId, record, true
		}
	}
	return "", nil, false
}

// EstimateFee returns the backend's sat/kvB estimate for a target.
func (s *Synchronizer) EstimateFee(target int) (int64, error) {
	client, err := s.liveClient()
	if err != nil {
		return 0, err
	}
	return client.EstimateFee(target)
}

// RelayFee never fails: without a connection it reports the default floor.
func (s *Synchronizer) RelayFee() int64 {
	client, err := s.liveClient()
	if err != nil {
		log.Debugf("Relay fee requested while disconnected, using default %d", chain.DefaultRelayFee)
		return chain.DefaultRelayFee
	}
	return client.RelayFee()
}

// ListUnspent queries the backend for the unspent outputs of one address.
func (s *Synchronizer) ListUnspent(address string) ([]chain.Unspent, error) {
	client, err := s.liveClient()
	if err != nil {
		return nil, err
	}
	scripthash, err := types.ScripthashFromAddress(address, s.net)
	if err != nil {
		return nil, err
	}
	return client.ListUnspent(scripthash)
}

// FetchTransaction resolves a raw transaction through the backend.
func (s *Synchronizer) FetchTransaction(txid string) (string, error) {
	client, err := s.liveClient()
	if err != nil {
		return "", err
	}
	return client.GetTransaction(txid)
}

// Coins projects the current coin set of a wallet from stored data only.
func (s *Synchronizer) Coins(walletId string) ([]types.Coin, error) {
	if _, ok := s.st.GetWallet(walletId); !ok {
		return nil, fmt.Errorf("unknown wallet %s", walletId)
	}
	projection, err := s.project(walletId)
	if err != nil {
		return nil, err
	}
	return projection.Coins, nil
}

// TransactionAncestry expands a transaction's wallet-local ancestor
// generations, nearest first.
func (s *Synchronizer) TransactionAncestry(walletId, txid string) ([]*types.Transaction, error) {
	records, err := s.st.GetTransactions(walletId)
	if err != nil {
		return nil, err
	}
	txs := make([]*types.Transaction, 0, len(records))
	for _, record := range records {
		tx, err := s.recordToTransaction(record)
		if err != nil {
			continue
		}
		txs = append(txs, tx)
	}
	return ledger.Ancestry(txid, txs), nil
}
