package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/config"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/ledger"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"

	"github.com/btcsuite/btcd/chaincfg"
)

type SyncState int

const (
	StateUninitialized SyncState = iota
	StateConnecting
	StateSyncing
	StateReady
	StateStopped
)

func (s SyncState) String() string {
	return [...]string{"uninitialized", "connecting", "syncing", "ready", "stopped"}[s]
}

// ClientFactory builds a fresh backend client for one connection attempt.
// Clients are single use: after a disconnect the synchronizer discards the
// old one and asks for a new one.
type ClientFactory func() (chain.Client, error)

var errSyncCancelled = errors.New("sync walk cancelled")

// Synchronizer drives the chain backend: it owns the single worker that
// connects, walks every wallet, and then consumes notifications and queued
// tasks. Synchronous API calls run on the caller and are only admitted
// while the state is Syncing or Ready.
type Synchronizer struct {
	st         *state.State
	factory    ClientFactory
	registry   *Registry
	reconciler *Reconciler
	net        *chaincfg.Params

	mu       sync.Mutex
	cond     *sync.Cond
	state    SyncState
	client   chain.Client
	progress int
	tip      int32
	running  bool

	tasks    chan func(chain.Client)
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	reconnectDelay time.Duration
	pacing         time.Duration
	requestTimeout time.Duration
	gapLimit       int
	maxScanWindows int
}

func NewSynchronizer(st *state.State, factory ClientFactory) *Synchronizer {
	net := types.GetBTCNetwork(config.AppConfig.BTCNetworkType)
	s := &Synchronizer{
		st:         st,
		factory:    factory,
		registry:   NewRegistry(net),
		reconciler: NewReconciler(st, net),
		net:        net,

		state: StateUninitialized,
		tasks: make(chan func(chain.Client), config.AppConfig.TaskQueueSize),
		quit:  make(chan struct{}),

		reconnectDelay: config.AppConfig.ReconnectDelay,
		pacing:         config.AppConfig.SubscribePacing,
		requestTimeout: config.AppConfig.RequestTimeout,
		gapLimit:       config.AppConfig.GapLimit,
		maxScanWindows: config.AppConfig.MaxScanWindows,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run starts the worker. Calling it again while the worker is alive, or
// after Stop, is a no-op.
func (s *Synchronizer) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.running {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.worker()
}

// WaitForReady blocks until the synchronizer reaches Syncing or Ready.
func (s *Synchronizer) WaitForReady(ctx context.Context) error {
	cancel := context.AfterFunc(ctx, func() {
		s.cond.Broadcast()
	})
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch s.state {
		case StateSyncing, StateReady:
			return nil
		case StateStopped:
			return errors.New("synchronizer is stopped")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
}

// Stop halts the worker, wakes all waiters and joins. Idempotent.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		client := s.client
		s.client = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		close(s.quit)
		if client != nil {
			client.Stop()
		}
		s.wg.Wait()
		log.Info("Synchronizer stopped")
	})
}

func (s *Synchronizer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress is the percentage of wallets the current walk has finished.
func (s *Synchronizer) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// ChainTip returns the cached tip, falling back to the stored one before
// the first header notification of this connection.
func (s *Synchronizer) ChainTip() (db.ChainTip, bool) {
	s.mu.Lock()
	cached := s.tip
	s.mu.Unlock()
	tip, ok := s.st.GetChainTip()
	if cached > tip.Height {
		tip.Height = cached
		ok = true
	}
	return tip, ok
}

// worker is the single goroutine behind the synchronizer. Each iteration
// is one connection attempt: connect, walk, then dispatch notifications
// until the connection drops or Stop is called.
func (s *Synchronizer) worker() {
	defer s.wg.Done()

	for {
		if s.stateIs(StateStopped) {
			return
		}
		s.setState(StateConnecting)
		s.registry.Clear()
		s.mu.Lock()
		s.tip = 0
		s.progress = 0
		s.mu.Unlock()

		client, err := s.connect()
		if err != nil {
			log.Errorf("Chain backend connect failed: %v", err)
			s.setState(StateUninitialized)
			s.publishConnection(types.ConnectionOffline, 0)
			if !s.sleepReconnect() {
				return
			}
			continue
		}

		s.setState(StateSyncing)
		s.publishConnection(types.ConnectionSyncing, 0)

		fullySynced, err := s.walk(client)
		switch {
		case errors.Is(err, errSyncCancelled):
			// state already moved by Stop or a racing reconnect
		case errors.Is(err, chain.ErrDisconnected):
			log.Warnf("Sync walk lost the backend: %v", err)
		case err != nil:
			log.Errorf("Sync walk failed: %v", err)
		case !fullySynced:
			log.Warnf("Sync walk finished partially, failed addresses retry on next notification")
		}

		if err == nil {
			s.mu.Lock()
			if s.state == StateSyncing {
				s.state = StateReady
				s.cond.Broadcast()
			}
			ready := s.state == StateReady
			s.mu.Unlock()
			if ready {
				log.Infof("Sync walk done, fully synced %v, %d subscriptions", fullySynced, s.registry.Count())
				s.publishConnection(types.ConnectionOnline, 100)
				err = s.dispatch(client)
			}
		}

		client.Stop()
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()

		if s.stateIs(StateStopped) {
			return
		}
		s.publishConnection(types.ConnectionOffline, 0)
		if !s.sleepReconnect() {
			return
		}
	}
}

// connect builds a fresh client, starts it and arms tip notifications.
func (s *Synchronizer) connect() (chain.Client, error) {
	client, err := s.factory()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	err = client.Start(ctx)
	cancel()
	if err != nil {
		return nil, err
	}

	header, err := client.SubscribeHeaders()
	if err != nil {
		client.Stop()
		return nil, err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.handleTip(client, chain.TipEvent{Height: header.Height, HeaderHex: header.Hex})
	log.Infof("Chain backend connected, best height: %d", header.Height)
	return client, nil
}

// dispatch consumes notifications and queued tasks until the connection
// drops or the synchronizer stops. Everything here runs on the worker, so
// tasks never overlap a walk or each other.
func (s *Synchronizer) dispatch(client chain.Client) error {
	for {
		select {
		case <-s.quit:
			return nil
		case <-client.Done():
			err := client.Err()
			log.Warnf("Chain backend disconnected: %v", err)
			if err == nil {
				err = chain.ErrDisconnected
			}
			return err
		case event := <-client.HeaderEvents():
			s.handleTip(client, event)
		case event := <-client.ScripthashEvents():
			s.handleScripthashEvent(client, event)
		case task := <-s.tasks:
			task(client)
		}
	}
}

// handleTip persists and caches a new chain tip.
func (s *Synchronizer) handleTip(client chain.Client, event chain.TipEvent) {
	header, err := chain.ParseHeader(event.Height, event.HeaderHex)
	if err != nil {
		log.Warnf("Failed to parse header at %d: %v", event.Height, err)
		return
	}

	s.mu.Lock()
	known := s.tip
	if event.Height > s.tip {
		s.tip = event.Height
	}
	s.mu.Unlock()
	if event.Height == known {
		return
	}

	log.Debugf("New chain tip %d (%s)", header.Height, header.Hash)
	if err := s.st.SetChainTip(header.Height, header.Hash, header.Hex); err != nil {
		log.Warnf("Failed to persist chain tip %d: %v", header.Height, err)
	}
	if err := s.st.SaveHeader(header.Height, header.Hash, header.Hex, header.Time); err != nil {
		log.Warnf("Failed to cache header %d: %v", header.Height, err)
	}
}

// handleScripthashEvent reconciles one address after its status token moved.
func (s *Synchronizer) handleScripthashEvent(client chain.Client, event chain.ScripthashEvent) {
	walletId, address, ok := s.registry.Resolve(event.Scripthash)
	if !ok {
		log.Debugf("Notification for unknown scripthash %s", event.Scripthash)
		return
	}
	stored, _ := s.st.GetAddressStatus(walletId, address)
	if stored == event.Status {
		return
	}

	log.Debugf("Status change on %s (wallet %s)", address, walletId)
	if _, err := s.reconcileAddress(client, walletId, address, event.Scripthash, event.Status); err != nil {
		log.Warnf("Reconcile of %s failed: %v", address, err)
		return
	}
	if wallet, ok := s.st.GetWallet(walletId); ok {
		s.syncWalletLedger(wallet)
	}
}

// reconcileAddress fetches the address history, folds it into the store and
// advances the stored status token only when the pass was complete.
func (s *Synchronizer) reconcileAddress(client chain.Client, walletId, address, scripthash, newStatus string) (bool, error) {
	history, err := client.GetHistory(scripthash)
	if err != nil {
		return false, err
	}

	result, err := s.reconciler.Reconcile(client, walletId, address, history)
	if s.stateIs(StateReady) {
		s.publishChanges(walletId, result.Changed)
	}
	if err != nil {
		return false, err
	}
	if result.FullySynced {
		if err := s.st.SetAddressStatus(walletId, address, newStatus); err != nil {
			log.Warnf("Failed to store status of %s: %v", address, err)
			return false, nil
		}
	}
	return result.FullySynced, nil
}

func (s *Synchronizer) publishChanges(walletId string, changes []Change) {
	for _, change := range changes {
		event := state.TransactionEvent{WalletID: walletId, TxID: change.TxID, Status: change.Status}
		if change.Kind == ChangeReplaced {
			s.st.EventBus.Publish(state.EventTransactionReplaced, event)
		} else {
			s.st.EventBus.Publish(state.EventTransactionFound, event)
		}
	}
}

// syncWalletLedger reprojects a wallet's coins and persists its balances.
func (s *Synchronizer) syncWalletLedger(wallet *db.Wallet) {
	projection, err := s.project(wallet.WalletId)
	if err != nil {
		log.Warnf("Failed to project wallet %s: %v", wallet.WalletId, err)
		return
	}
	if err := s.st.SetWalletBalance(wallet.WalletId, projection.Balance, projection.UnconfirmedBalance); err != nil {
		log.Warnf("Failed to persist balance of %s: %v", wallet.WalletId, err)
		return
	}
	s.st.EventBus.Publish(state.EventWalletSynced, state.BalanceEvent{
		WalletID:           wallet.WalletId,
		Balance:            projection.Balance,
		UnconfirmedBalance: projection.UnconfirmedBalance,
	})
}

func (s *Synchronizer) project(walletId string) (ledger.Projection, error) {
	records, err := s.st.GetTransactions(walletId)
	if err != nil {
		return ledger.Projection{}, err
	}
	txs := make([]*types.Transaction, 0, len(records))
	for _, record := range records {
		tx, err := s.recordToTransaction(record)
		if err != nil {
			log.Debugf("Skipping unparsable transaction %s: %v", record.Txid, err)
			continue
		}
		txs = append(txs, tx)
	}
	return ledger.Project(s.ledgerAddresses(walletId), txs), nil
}

func (s *Synchronizer) ledgerAddresses(walletId string) []types.Address {
	records := s.st.GetAllAddresses(walletId)
	addresses := make([]types.Address, 0, len(records))
	for _, record := range records {
		addresses = append(addresses, types.Address{
			WalletID: record.WalletId,
			Address:  record.Address,
			Index:    record.AddrIndex,
			Internal: record.Internal,
			Used:     record.Used,
		})
	}
	return addresses
}

func (s *Synchronizer) recordToTransaction(record *db.WalletTransaction) (*types.Transaction, error) {
	inputs, outputs, err := types.ParseTxEnvelope(record.RawTx, s.net)
	if err != nil {
		return nil, err
	}
	return &types.Transaction{
		TxID:           record.Txid,
		WalletID:       record.WalletId,
		RawHex:         record.RawTx,
		Height:         record.Height,
		BlockTime:      record.BlockTime,
		Fee:            record.Fee,
		Memo:           record.Memo,
		ChangePos:      record.ChangePos,
		M:              record.RequiredSigs,
		SignerCount:    types.SignerCount(record.Signers),
		ReplacedByTxID: record.ReplacedByTxid,
		RejectReason:   record.RejectReason,
		Status:         state.RecordStatus(record),
		Inputs:         inputs,
		Outputs:        outputs,
	}, nil
}

func (s *Synchronizer) setState(next SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = next
	s.cond.Broadcast()
}

func (s *Synchronizer) stateIs(want SyncState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == want
}

// active reports whether the walk may keep going; checked at wallet and
// address boundaries for cooperative cancellation.
func (s *Synchronizer) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSyncing || s.state == StateReady
}

func (s *Synchronizer) setProgress(percent int) {
	s.mu.Lock()
	s.progress = percent
	s.mu.Unlock()
}

func (s *Synchronizer) publishConnection(status types.ConnectionStatus, percent int) {
	s.st.EventBus.Publish(state.EventConnectionStatus, state.ConnectionEvent{Status: status, Percent: percent})
}

// sleepReconnect waits the reconnect backoff; false when Stop interrupted.
func (s *Synchronizer) sleepReconnect() bool {
	select {
	case <-s.quit:
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

// pause is the inter-request pacing on single-connection backends.
func (s *Synchronizer) pause() {
	if s.pacing <= 0 {
		return
	}
	select {
	case <-s.quit:
	case <-time.After(s.pacing):
	}
}

// liveClient admits a synchronous API call: the state must be Syncing or
// Ready and a connection present, otherwise the call fails Disconnected.
func (s *Synchronizer) liveClient() (chain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSyncing && s.state != StateReady {
		return nil, chain.ErrDisconnected
	}
	if s.client == nil {
		return nil, chain.ErrDisconnected
	}
	return s.client, nil
}
