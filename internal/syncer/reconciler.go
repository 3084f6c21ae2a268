package syncer

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/types"
	log "github.com/sirupsen/logrus"
)

type ChangeKind int

const (
	ChangeInserted ChangeKind = iota
	ChangeUpdated
	ChangeReplaced
)

func (k ChangeKind) String() string {
	return [...]string{"inserted", "updated", "replaced"}[k]
}

// Change is one ledger mutation produced by a reconcile pass.
type Change struct {
	TxID   string
	Kind   ChangeKind
	Status types.TransactionStatus
}

// Result reports what a reconcile pass did. FullySynced is false when any
// entry had to be skipped; the caller must then keep the old status token
// so the address is retried on the next pass.
type Result struct {
	FullySynced bool
	Changed     []Change
}

// Reconciler folds a scripthash history into the stored transaction set.
type Reconciler struct {
	st  *state.State
	net *chaincfg.Params
}

func NewReconciler(st *state.State, net *chaincfg.Params) *Reconciler {
	return &Reconciler{st: st, net: net}
}

// Reconcile upserts every history entry for one address and runs replace
// detection against the entries that disappeared. Individual fetch failures
// are absorbed; only a lost connection aborts the pass.
func (r *Reconciler) Reconcile(client chain.Client, walletId, address string, history []chain.HistoryItem) (Result, error) {
	result := Result{FullySynced: true}

	historySet := make(map[string]bool, len(history))
	fetchIDs := make([]string, 0, len(history))
	heightSet := make(map[int32]bool)
	for _, item := range history {
		if historySet[item.TxID] {
			continue
		}
		historySet[item.TxID] = true
		if record, ok := r.st.GetTransaction(walletId, item.TxID); ok && record.Height > 0 {
			// confirmed content is immutable, never re-fetched
			continue
		}
		fetchIDs = append(fetchIDs, item.TxID)
		if item.Height > 0 {
			heightSet[item.Height] = true
		}
	}

	rawTxs := make(map[string]string)
	if len(fetchIDs) > 0 {
		fetched, err := client.GetTransactions(fetchIDs)
		if fetched != nil {
			rawTxs = fetched
		}
		if err != nil {
			if errors.Is(err, chain.ErrDisconnected) {
				result.FullySynced = false
				return result, err
			}
			log.Warnf("Transaction batch fetch failed for %s: %v", address, err)
			result.FullySynced = false
		}
	}

	headers := make(map[int32]*chain.Header)
	if len(heightSet) > 0 {
		heights := make([]int32, 0, len(heightSet))
		for height := range heightSet {
			heights = append(heights, height)
		}
		fetched, err := client.GetHeaders(heights)
		if fetched != nil {
			headers = fetched
		}
		if err != nil {
			if errors.Is(err, chain.ErrDisconnected) {
				result.FullySynced = false
				return result, err
			}
			log.Warnf("Header batch fetch failed for %s: %v", address, err)
			result.FullySynced = false
		}
	}

	seen := make(map[string]bool, len(history))
	for _, item := range history {
		if seen[item.TxID] {
			continue
		}
		seen[item.TxID] = true

		record, known := r.st.GetTransaction(walletId, item.TxID)
		if known && record.Height > 0 {
			continue
		}

		rawTx, ok := rawTxs[item.TxID]
		if !ok {
			log.Warnf("Raw transaction %s unavailable, skip", item.TxID)
			result.FullySynced = false
			continue
		}

		height := item.Height
		if height < 0 {
			height = types.HeightMempool
		}
		var blockTime int64
		if height > 0 {
			header, ok := headers[height]
			if !ok {
				log.Warnf("Header at height %d unavailable, skip %s", height, item.TxID)
				result.FullySynced = false
				continue
			}
			blockTime = header.Time
		}

		if known {
			changed, err := r.st.UpdateTransaction(walletId, item.TxID, rawTx, height, blockTime)
			if err != nil {
				log.Warnf("Failed to update transaction %s: %v", item.TxID, err)
				result.FullySynced = false
				continue
			}
			if changed {
				result.Changed = append(result.Changed, Change{
					TxID:   item.TxID,
					Kind:   ChangeUpdated,
					Status: types.TxStatusFromHeight(height, 0, 0),
				})
			}
		} else {
			_, inserted, err := r.st.InsertTransaction(walletId, item.TxID, rawTx, height, blockTime, item.Fee)
			if err != nil {
				log.Warnf("Failed to insert transaction %s: %v", item.TxID, err)
				result.FullySynced = false
				continue
			}
			if inserted {
				result.Changed = append(result.Changed, Change{
					TxID:   item.TxID,
					Kind:   ChangeInserted,
					Status: types.TxStatusFromHeight(height, 0, 0),
				})
			}
		}
	}

	result.Changed = append(result.Changed, r.detectReplaced(walletId, address, historySet)...)

	if len(result.Changed) > 0 {
		log.Debugf("Reconciled %s: %d changes, fully synced %v", address, len(result.Changed), result.FullySynced)
	}
	return result, nil
}

// detectReplaced deletes stored pending transactions that touch the
// reconciled address but no longer appear in its history. The scope is the
// single address: a pending transaction is only checked against the history
// being reconciled, which mirrors how the evicting backend drops it.
func (r *Reconciler) detectReplaced(walletId, address string, historySet map[string]bool) []Change {
	pending, err := r.st.GetTransactionsByStatus(walletId, types.TxPendingConfirmation.String())
	if err != nil {
		log.Warnf("Failed to list pending transactions of %s: %v", walletId, err)
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	all, err := r.st.GetTransactions(walletId)
	if err != nil {
		log.Warnf("Failed to list transactions of %s: %v", walletId, err)
		return nil
	}
	byTxid := make(map[string]*db.WalletTransaction, len(all))
	for _, record := range all {
		byTxid[record.Txid] = record
	}
	outputCache := make(map[string][]types.TxOutput)

	var changes []Change
	for _, record := range pending {
		if historySet[record.Txid] {
			continue
		}
		if record.ReplacedByTxid != "" {
			// already marked by an explicit fee bump
			continue
		}
		if !r.touchesAddress(record, address, byTxid, outputCache) {
			continue
		}
		if err := r.st.DeleteTransaction(walletId, record.Txid); err != nil {
			log.Warnf("Failed to delete replaced transaction %s: %v", record.Txid, err)
			continue
		}
		log.Infof("Transaction %s vanished from history of %s, marking replaced", record.Txid, address)
		changes = append(changes, Change{
			TxID:   record.Txid,
			Kind:   ChangeReplaced,
			Status: types.TxReplaced,
		})
	}
	return changes
}

// touchesAddress reports whether a stored transaction pays the address or
// spends an output that paid it. Inputs are resolved against the wallet's
// own stored transactions; foreign inputs cannot reference the address.
func (r *Reconciler) touchesAddress(record *db.WalletTransaction, address string, byTxid map[string]*db.WalletTransaction, outputCache map[string][]types.TxOutput) bool {
	inputs, outputs, err := types.ParseTxEnvelope(record.RawTx, r.net)
	if err != nil {
		log.Warnf("Failed to parse transaction %s: %v", record.Txid, err)
		return false
	}
	for _, output := range outputs {
		if output.Address == address {
			return true
		}
	}
	for _, input := range inputs {
		prev, ok := byTxid[input.TxID]
		if !ok {
			continue
		}
		prevOutputs, ok := outputCache[input.TxID]
		if !ok {
			_, prevOutputs, err = types.ParseTxEnvelope(prev.RawTx, r.net)
			if err != nil {
				continue
			}
			outputCache[input.TxID] = prevOutputs
		}
		if int(input.Vout) < len(prevOutputs) && prevOutputs[input.Vout].Address == address {
			return true
		}
	}
	return false
}
