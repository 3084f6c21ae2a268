package ledger

import (
	"fmt"
	"sort"

	"github.com/keelwallet/keel-syncer/internal/types"
)

// Projection is the derived view of a wallet ledger: the full coin set
// plus the two balance readings. It is recomputed from the transaction
// log on demand, never maintained incrementally.
type Projection struct {
	Coins              []types.Coin
	Balance            int64
	UnconfirmedBalance int64
}

func Project(addresses []types.Address, txs []*types.Transaction) Projection {
	coins := Coins(addresses, txs)
	return Projection{
		Coins:              coins,
		Balance:            Balance(coins),
		UnconfirmedBalance: UnconfirmedBalance(coins),
	}
}

// Coins derives every coin the wallet owns from its transaction log.
//
// Confirmed transactions claim the outpoints they spend first; any
// other transaction touching an outpoint claimed by a different
// confirmed transaction is a losing double-spend view and derives
// nothing. Outputs paying wallet addresses create coins, inputs
// consuming wallet coins raise their status. A coin's status only ever
// moves forward in the CoinStatus order.
func Coins(addresses []types.Address, txs []*types.Transaction) []types.Coin {
	owned := make(map[string]types.Address, len(addresses))
	for _, address := range addresses {
		owned[address.Address] = address
	}

	usedBy := make(map[string]string)
	for _, tx := range txs {
		if tx.Height <= 0 {
			continue
		}
		for _, txIn := range tx.Inputs {
			usedBy[outpoint(txIn.TxID, txIn.Vout)] = tx.TxID
		}
	}

	coins := make(map[string]*types.Coin)
	for _, tx := range txs {
		if skipTx(tx, usedBy) {
			continue
		}
		for vout, txOut := range tx.Outputs {
			address, ok := owned[txOut.Address]
			if !ok {
				continue
			}
			status := types.CoinIncomingPendingConfirmation
			if tx.Height > 0 {
				status = types.CoinConfirmed
			}
			key := outpoint(tx.TxID, uint32(vout))
			if coin, ok := coins[key]; ok {
				coin.Status = types.MaxCoinStatus(coin.Status, status)
				continue
			}
			coins[key] = &types.Coin{
				TxID:     tx.TxID,
				Vout:     uint32(vout),
				Value:    txOut.Value,
				Address:  txOut.Address,
				Internal: address.Internal,
				Height:   tx.Height,
				Memo:     tx.Memo,
				Status:   status,
			}
		}
	}

	for _, tx := range txs {
		if skipTx(tx, usedBy) {
			continue
		}
		mark, spends := spendStatus(tx.Status)
		if !spends {
			continue
		}
		for _, txIn := range tx.Inputs {
			coin, ok := coins[outpoint(txIn.TxID, txIn.Vout)]
			if !ok {
				continue
			}
			next := types.MaxCoinStatus(coin.Status, mark)
			if next == coin.Status {
				continue
			}
			coin.Status = next
			coin.SpentBy = tx.TxID
			if tx.Memo != "" {
				coin.Memo = tx.Memo
			}
		}
	}

	result := make([]types.Coin, 0, len(coins))
	for _, coin := range coins {
		result = append(result, *coin)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TxID != result[j].TxID {
			return result[i].TxID < result[j].TxID
		}
		return result[i].Vout < result[j].Vout
	})
	return result
}

// Balance sums every coin not yet gone from the wallet's perspective:
// spent coins and coins consumed by an in-flight outgoing transaction
// are excluded.
func Balance(coins []types.Coin) int64 {
	var balance int64
	for _, coin := range coins {
		if coin.Status == types.CoinSpent || coin.Status == types.CoinOutgoingPendingConfirmation {
			continue
		}
		balance += coin.Value
	}
	return balance
}

// UnconfirmedBalance additionally excludes incoming coins that are not
// change and still awaiting their first confirmation.
func UnconfirmedBalance(coins []types.Coin) int64 {
	var balance int64
	for _, coin := range coins {
		if coin.Status == types.CoinSpent || coin.Status == types.CoinOutgoingPendingConfirmation {
			continue
		}
		if coin.Status == types.CoinIncomingPendingConfirmation && !coin.Internal {
			continue
		}
		balance += coin.Value
	}
	return balance
}

func skipTx(tx *types.Transaction, usedBy map[string]string) bool {
	if tx.Status == types.TxReplaced || tx.Status == types.TxNetworkRejected {
		return true
	}
	for _, txIn := range tx.Inputs {
		if spender, ok := usedBy[outpoint(txIn.TxID, txIn.Vout)]; ok && spender != tx.TxID {
			return true
		}
	}
	return false
}

func spendStatus(status types.TransactionStatus) (types.CoinStatus, bool) {
	switch status {
	case types.TxConfirmed:
		return types.CoinSpent, true
	case types.TxPendingConfirmation:
		return types.CoinOutgoingPendingConfirmation, true
	case types.TxReadyToBroadcast:
		return types.CoinOutgoingPendingBroadcast, true
	case types.TxPendingSignatures:
		return types.CoinOutgoingPendingSignatures, true
	}
	return 0, false
}

func outpoint(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}
