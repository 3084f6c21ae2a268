package syncer

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/keelwallet/keel-syncer/internal/types"
)

type registryEntry struct {
	walletId string
	address  string
}

// Registry maps subscribed scripthashes back to the wallet address they
// belong to. It is rebuilt from scratch on every reconnect; status tokens
// are not kept here, they live in the store per address.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	net     *chaincfg.Params
}

func NewRegistry(net *chaincfg.Params) *Registry {
	return &Registry{
		entries: make(map[string]registryEntry),
		net:     net,
	}
}

// Add computes the scripthash of an address and records the mapping.
// Re-adding the same pair returns the same scripthash.
func (r *Registry) Add(walletId, address string) (string, error) {
	scripthash, err := types.ScripthashFromAddress(address, r.net)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.entries[scripthash] = registryEntry{walletId: walletId, address: address}
	r.mu.Unlock()
	return scripthash, nil
}

func (r *Registry) Resolve(scripthash string) (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[scripthash]
	if !ok {
		return "", "", false
	}
	return entry.walletId, entry.address, true
}

func (r *Registry) RemoveWallet(walletId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for scripthash, entry := range r.entries {
		if entry.walletId == walletId {
			delete(r.entries, scripthash)
		}
	}
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]registryEntry)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
