package state

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"
)

type TransactionListener func(walletId, txid string, status types.TransactionStatus)

type BlockListener func(height int32, headerHex string)

type BalanceListener func(walletId string, balance, unconfirmedBalance int64)

type ConnectionListener func(status types.ConnectionStatus, percent int)

// ListenerRegistry fans EventBus traffic out to registered callbacks. All
// event kinds arrive through one inbox, so callbacks fire in publish order
// and never concurrently with each other; they run on the registry's
// dispatch goroutine, never on the sync worker, so a slow consumer cannot
// stall reconciliation.
type ListenerRegistry struct {
	mu               sync.RWMutex
	txListeners      map[uuid.UUID]TransactionListener
	blockListeners   map[uuid.UUID]BlockListener
	balanceListeners map[uuid.UUID]BalanceListener
	connListeners    map[uuid.UUID]ConnectionListener

	inbox chan interface{}

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewListenerRegistry(bus *EventBus) *ListenerRegistry {
	r := &ListenerRegistry{
		txListeners:      make(map[uuid.UUID]TransactionListener),
		blockListeners:   make(map[uuid.UUID]BlockListener),
		balanceListeners: make(map[uuid.UUID]BalanceListener),
		connListeners:    make(map[uuid.UUID]ConnectionListener),
		inbox:            make(chan interface{}, 256),
		quit:             make(chan struct{}),
	}
	bus.Subscribe(EventTransactionFound, r.inbox)
	bus.Subscribe(EventTransactionReplaced, r.inbox)
	bus.Subscribe(EventBlockHeight, r.inbox)
	bus.Subscribe(EventBalanceUpdated, r.inbox)
	bus.Subscribe(EventWalletSynced, r.inbox)
	bus.Subscribe(EventConnectionStatus, r.inbox)
	return r
}

func (r *ListenerRegistry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.dispatchLoop(ctx)
}

func (r *ListenerRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
	})
}

func (r *ListenerRegistry) AddTransactionListener(fn TransactionListener) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.txListeners[id] = fn
	r.mu.Unlock()
	return id
}

func (r *ListenerRegistry) AddBlockListener(fn BlockListener) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.blockListeners[id] = fn
	r.mu.Unlock()
	return id
}

func (r *ListenerRegistry) AddBalanceListener(fn BalanceListener) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.balanceListeners[id] = fn
	r.mu.Unlock()
	return id
}

func (r *ListenerRegistry) AddConnectionListener(fn ConnectionListener) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.connListeners[id] = fn
	r.mu.Unlock()
	return id
}

// RemoveListener drops the callback registered under the handle,
// whatever its kind
func (r *ListenerRegistry) RemoveListener(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.txListeners, id)
	delete(r.blockListeners, id)
	delete(r.balanceListeners, id)
	delete(r.connListeners, id)
}

func (r *ListenerRegistry) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case data := <-r.inbox:
			r.dispatch(data)
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		}
	}
}

func (r *ListenerRegistry) dispatch(data interface{}) {
	switch event := data.(type) {
	case TransactionEvent:
		r.mu.RLock()
		listeners := make([]TransactionListener, 0, len(r.txListeners))
		for _, fn := range r.txListeners {
			listeners = append(listeners, fn)
		}
		r.mu.RUnlock()
		for _, fn := range listeners {
			fn(event.WalletID, event.TxID, event.Status)
		}
	case BlockEvent:
		r.mu.RLock()
		listeners := make([]BlockListener, 0, len(r.blockListeners))
		for _, fn := range r.blockListeners {
			listeners = append(listeners, fn)
		}
		r.mu.RUnlock()
		for _, fn := range listeners {
			fn(event.Height, event.HeaderHex)
		}
	case BalanceEvent:
		r.mu.RLock()
		listeners := make([]BalanceListener, 0, len(r.balanceListeners))
		for _, fn := range r.balanceListeners {
			listeners = append(listeners, fn)
		}
		r.mu.RUnlock()
		for _, fn := range listeners {
			fn(event.WalletID, event.Balance, event.UnconfirmedBalance)
		}
	case ConnectionEvent:
		r.mu.RLock()
		listeners := make([]ConnectionListener, 0, len(r.connListeners))
		for _, fn := range r.connListeners {
			listeners = append(listeners, fn)
		}
		r.mu.RUnlock()
		for _, fn := range listeners {
			fn(event.Status, event.Percent)
		}
	default:
		log.Warnf("Unexpected event payload: %T", data)
	}
}
