package state

import (
	"sync"
)

type EventType int

const (
	EventUnknown EventType = iota
	EventTransactionFound
	EventTransactionReplaced
	EventWalletSynced
	EventBlockHeight
	EventConnectionStatus
	EventBalanceUpdated
)

func (e EventType) String() string {
	return [...]string{"EventUnknown", "EventTransactionFound", "EventTransactionReplaced", "EventWalletSynced", "EventBlockHeight", "EventConnectionStatus", "EventBalanceUpdated"}[e]
}

// EventBus carries engine events to subscriber channels. Publishing never
// blocks: a subscriber that cannot receive is dropped, so an abandoned
// channel cannot wedge the sync worker.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan interface{}
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]chan interface{}),
	}
}

func (eb *EventBus) Subscribe(eventType EventType, ch chan interface{}) {
	if ch == nil {
		panic("channel == nil")
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
}

func (eb *EventBus) Unsubscribe(eventType EventType, ch chan interface{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.drop(eventType, map[chan interface{}]bool{ch: true})
}

func (eb *EventBus) Publish(eventType EventType, data interface{}) {
	eb.mu.RLock()
	var stalled map[chan interface{}]bool
	for _, ch := range eb.subscribers[eventType] {
		select {
		case ch <- data:
		default:
			if stalled == nil {
				stalled = make(map[chan interface{}]bool)
			}
			stalled[ch] = true
		}
	}
	eb.mu.RUnlock()

	if stalled != nil {
		eb.mu.Lock()
		eb.drop(eventType, stalled)
		eb.mu.Unlock()
	}
}

// drop removes the given channels from an event's subscriber list; the
// caller holds the write lock. Filtering the current list keeps channels
// that were subscribed while the publish ran.
func (eb *EventBus) drop(eventType EventType, gone map[chan interface{}]bool) {
	current := eb.subscribers[eventType]
	kept := make([]chan interface{}, 0, len(current))
	for _, ch := range current {
		if !gone[ch] {
			kept = append(kept, ch)
		}
	}
	if len(kept) == 0 {
		delete(eb.subscribers, eventType)
	} else {
		eb.subscribers[eventType] = kept
	}
}
