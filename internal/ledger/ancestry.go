package ledger

import (
	"github.com/keelwallet/keel-syncer/internal/types"
)

// Ancestry expands a transaction's funding history one generation per
// step: the transactions feeding its inputs, then the transactions
// feeding those, until no parent exists in the wallet's log. Nearest
// ancestors come first. Recomputed per call, never cached.
func Ancestry(txid string, txs []*types.Transaction) []*types.Transaction {
	byID := make(map[string]*types.Transaction, len(txs))
	for _, tx := range txs {
		byID[tx.TxID] = tx
	}

	seen := map[string]bool{txid: true}
	frontier := []string{txid}
	var ancestry []*types.Transaction

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			tx, ok := byID[id]
			if !ok {
				continue
			}
			for _, txIn := range tx.Inputs {
				parent, ok := byID[txIn.TxID]
				if !ok || seen[parent.TxID] {
					continue
				}
				seen[parent.TxID] = true
				ancestry = append(ancestry, parent)
				next = append(next, parent.TxID)
			}
		}
		frontier = next
	}
	return ancestry
}
