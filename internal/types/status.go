package types

import "fmt"

// Transaction height sentinels. Heights above zero are block heights.
const (
	HeightLocal    int32 = -1
	HeightMempool  int32 = 0
	HeightRejected int32 = -2
)

type TransactionStatus int

const (
	TxPendingSignatures TransactionStatus = iota
	TxReadyToBroadcast
	TxNetworkRejected
	TxPendingConfirmation
	TxReplaced
	TxConfirmed
)

func (s TransactionStatus) String() string {
	return [...]string{"pending_signatures", "ready_to_broadcast", "network_rejected", "pending_confirmation", "replaced", "confirmed"}[s]
}

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch s {
	case "pending_signatures":
		return TxPendingSignatures, nil
	case "ready_to_broadcast":
		return TxReadyToBroadcast, nil
	case "network_rejected":
		return TxNetworkRejected, nil
	case "pending_confirmation":
		return TxPendingConfirmation, nil
	case "replaced":
		return TxReplaced, nil
	case "confirmed":
		return TxConfirmed, nil
	default:
		return 0, fmt.Errorf("unknown transaction status %q", s)
	}
}

// TxStatusFromHeight derives a status from the stored height. Unbroadcast
// transactions split on whether the signer quorum is complete.
func TxStatusFromHeight(height int32, signerCount, m int) TransactionStatus {
	switch {
	case height == HeightRejected:
		return TxNetworkRejected
	case height == HeightMempool:
		return TxPendingConfirmation
	case height > 0:
		return TxConfirmed
	case signerCount >= m:
		return TxReadyToBroadcast
	default:
		return TxPendingSignatures
	}
}

// CoinStatus values are ordered: a projected coin only ever moves to a
// higher status, never back.
type CoinStatus int

const (
	CoinIncomingPendingConfirmation CoinStatus = iota
	CoinConfirmed
	CoinOutgoingPendingSignatures
	CoinOutgoingPendingBroadcast
	CoinOutgoingPendingConfirmation
	CoinSpent
)

func (s CoinStatus) String() string {
	return [...]string{"incoming_pending_confirmation", "confirmed", "outgoing_pending_signatures", "outgoing_pending_broadcast", "outgoing_pending_confirmation", "spent"}[s]
}

func MaxCoinStatus(a, b CoinStatus) CoinStatus {
	if a > b {
		return a
	}
	return b
}

type ConnectionStatus int

const (
	ConnectionOffline ConnectionStatus = iota
	ConnectionSyncing
	ConnectionOnline
)

func (s ConnectionStatus) String() string {
	return [...]string{"offline", "syncing", "online"}[s]
}
