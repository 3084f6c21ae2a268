package syncer

import (
	"fmt"
	"strings"

	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"
)

// NewAddress derives, persists and subscribes the next unused address of a
// wallet branch. It runs on the caller and needs a live connection to probe
// remote usage past the persisted index.
func (s *Synchronizer) NewAddress(walletId string, internal bool) (*db.WalletAddress, error) {
	client, err := s.liveClient()
	if err != nil {
		return nil, err
	}
	record, ok := s.st.GetWallet(walletId)
	if !ok {
		return nil, fmt.Errorf("unknown wallet %s", walletId)
	}
	if record.WalletType == types.WalletEscrow.String() {
		return s.escrowAddress(walletId)
	}
	wallet, err := walletFromRecord(record)
	if err != nil {
		return nil, err
	}

	if client.SupportsBatchRequests() {
		return s.newAddressBatched(client, wallet, internal)
	}
	return s.newAddressSequential(client, wallet, internal)
}

// escrowAddress resolves the single fixed slot of an escrow wallet; there
// is no derivation path to extend.
func (s *Synchronizer) escrowAddress(walletId string) (*db.WalletAddress, error) {
	for _, record := range s.st.GetAllAddresses(walletId) {
		if record.AddrIndex == types.EscrowIndex {
			if _, err := s.registry.Add(walletId, record.Address); err != nil {
				return nil, err
			}
			return record, nil
		}
	}
	return nil, fmt.Errorf("escrow wallet %s has no address", walletId)
}

// newAddressBatched slides gap-limit windows over the branch, one
// multi-subscribe per window, until a window is not fully used.
func (s *Synchronizer) newAddressBatched(client chain.Client, wallet *types.Wallet, internal bool) (*db.WalletAddress, error) {
	gap := s.walletGap(wallet)
	base := s.st.LastAddressIndex(wallet.ID, internal) + 1

	for window := 0; window < s.maxScanWindows; window++ {
		addresses, err := s.deriveWindow(wallet, internal, base, gap)
		if err != nil {
			return nil, err
		}
		lastUsed, err := s.batchLookAhead(client, wallet.ID, addresses, base, internal)
		if err != nil {
			return nil, err
		}
		if lastUsed < gap-1 {
			offset := lastUsed + 1
			return s.assignAddress(wallet.ID, addresses[offset], base+offset, internal)
		}
		base += gap
	}
	return nil, fmt.Errorf("gap scan of wallet %s exceeded %d windows", wallet.ID, s.maxScanWindows)
}

// newAddressSequential probes one index at a time and assigns the first
// whose remote and stored statuses are both empty.
func (s *Synchronizer) newAddressSequential(client chain.Client, wallet *types.Wallet, internal bool) (*db.WalletAddress, error) {
	gap := s.walletGap(wallet)
	index := s.st.LastAddressIndex(wallet.ID, internal) + 1

	for probes := 0; probes < s.maxScanWindows*gap; probes++ {
		address, err := types.DeriveAddress(wallet, internal, uint32(index), s.net)
		if err != nil {
			return nil, err
		}
		used, err := s.lookAhead(client, wallet.ID, address, index, internal)
		if err != nil {
			return nil, err
		}
		if !used {
			return s.assignAddress(wallet.ID, address, index, internal)
		}
		index++
		s.pause()
	}
	return nil, fmt.Errorf("gap scan of wallet %s exceeded %d windows", wallet.ID, s.maxScanWindows)
}

// lookAhead probes one candidate address. Used means the backend reports
// history or a status token was already persisted; used addresses are
// persisted and left subscribed so their activity keeps flowing.
func (s *Synchronizer) lookAhead(client chain.Client, walletId, address string, index int, internal bool) (bool, error) {
	scripthash, err := types.ScripthashFromAddress(address, s.net)
	if err != nil {
		return false, err
	}
	status, err := client.SubscribeScripthash(address, scripthash)
	if err != nil {
		return false, err
	}
	stored, _ := s.st.GetAddressStatus(walletId, address)
	used := status != "" || stored != ""
	if used {
		if err := s.persistUsed(walletId, address, index, internal); err != nil {
			return true, err
		}
	}
	return used, nil
}

// batchLookAhead subscribes one window and returns the highest used offset,
// -1 when the whole window is unused. Used addresses are persisted.
func (s *Synchronizer) batchLookAhead(client chain.Client, walletId string, addresses []string, base int, internal bool) (int, error) {
	scripthashes := make([]string, len(addresses))
	for i, address := range addresses {
		scripthash, err := types.ScripthashFromAddress(address, s.net)
		if err != nil {
			return -1, err
		}
		scripthashes[i] = scripthash
	}

	statuses, errs, err := client.SubscribeScripthashes(addresses, scripthashes)
	if err != nil {
		return -1, err
	}

	lastUsed := -1
	for i := range addresses {
		if errs[i] != nil {
			return -1, errs[i]
		}
		if statuses[i] == "" {
			continue
		}
		lastUsed = i
		if err := s.persistUsed(walletId, addresses[i], base+i, internal); err != nil {
			return -1, err
		}
	}
	return lastUsed, nil
}

func (s *Synchronizer) deriveWindow(wallet *types.Wallet, internal bool, base, size int) ([]string, error) {
	addresses := make([]string, 0, size)
	for offset := 0; offset < size; offset++ {
		address, err := types.DeriveAddress(wallet, internal, uint32(base+offset), s.net)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	return addresses, nil
}

func (s *Synchronizer) persistUsed(walletId, address string, index int, internal bool) error {
	if _, err := s.st.AddAddress(walletId, address, index, internal); err != nil {
		return err
	}
	if err := s.st.MarkAddressUsed(walletId, address); err != nil {
		return err
	}
	_, err := s.registry.Add(walletId, address)
	return err
}

// assignAddress persists and registers the chosen address; the scan that
// picked it already subscribed its scripthash.
func (s *Synchronizer) assignAddress(walletId, address string, index int, internal bool) (*db.WalletAddress, error) {
	record, err := s.st.AddAddress(walletId, address, index, internal)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.Add(walletId, address); err != nil {
		return nil, err
	}
	log.Infof("Assigned address %s at %d (wallet %s, internal %v)", address, index, walletId, internal)
	return record, nil
}

// discoverWallet restores both branches of a wallet by sliding windows
// until one comes back fully unused. Escrow wallets have nothing to scan.
func (s *Synchronizer) discoverWallet(client chain.Client, record *db.Wallet) error {
	if record.WalletType == types.WalletEscrow.String() {
		return nil
	}
	wallet, err := walletFromRecord(record)
	if err != nil {
		return err
	}
	for _, internal := range []bool{false, true} {
		if err := s.discoverBranch(client, wallet, internal); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) discoverBranch(client chain.Client, wallet *types.Wallet, internal bool) error {
	gap := s.walletGap(wallet)
	base := s.st.LastAddressIndex(wallet.ID, internal) + 1

	for window := 0; window < s.maxScanWindows; window++ {
		addresses, err := s.deriveWindow(wallet, internal, base, gap)
		if err != nil {
			return err
		}

		anyUsed := false
		if client.SupportsBatchRequests() {
			lastUsed, err := s.batchLookAhead(client, wallet.ID, addresses, base, internal)
			if err != nil {
				return err
			}
			anyUsed = lastUsed >= 0
		} else {
			for offset, address := range addresses {
				used, err := s.lookAhead(client, wallet.ID, address, base+offset, internal)
				if err != nil {
					return err
				}
				if used {
					anyUsed = true
				}
				s.pause()
			}
		}
		if !anyUsed {
			return nil
		}
		base += gap
	}
	log.Warnf("Discovery of wallet %s stopped after %d windows", wallet.ID, s.maxScanWindows)
	return nil
}

func (s *Synchronizer) walletGap(wallet *types.Wallet) int {
	if wallet.GapLimit > 0 {
		return wallet.GapLimit
	}
	return s.gapLimit
}

// walletFromRecord rehydrates the stored wallet row into the typed wallet
// the derivation code works on.
func walletFromRecord(record *db.Wallet) (*types.Wallet, error) {
	walletType, err := types.ParseWalletType(record.WalletType)
	if err != nil {
		return nil, err
	}
	addressType, err := types.ParseAddressType(record.AddressType)
	if err != nil {
		return nil, err
	}
	var xpubs []string
	if record.Xpubs != "" {
		xpubs = strings.Split(record.Xpubs, ",")
	}
	return &types.Wallet{
		ID:          record.WalletId,
		Name:        record.Name,
		M:           record.M,
		N:           record.N,
		WalletType:  walletType,
		AddressType: addressType,
		Xpubs:       xpubs,
		GapLimit:    record.GapLimit,
		CreatedAt:   record.CreatedAt,
	}, nil
}
