package types

import (
	"fmt"
	"time"
)

type WalletType int

const (
	WalletSingleSig WalletType = iota
	WalletMultiSig
	WalletEscrow
)

func (t WalletType) String() string {
	return [...]string{"singlesig", "multisig", "escrow"}[t]
}

func ParseWalletType(s string) (WalletType, error) {
	switch s {
	case "singlesig":
		return WalletSingleSig, nil
	case "multisig":
		return WalletMultiSig, nil
	case "escrow":
		return WalletEscrow, nil
	default:
		return 0, fmt.Errorf("unknown wallet type %q", s)
	}
}

type AddressType int

const (
	AddressNativeSegwit AddressType = iota
	AddressNestedSegwit
	AddressTaproot
	AddressLegacy
)

func (t AddressType) String() string {
	return [...]string{"native_segwit", "nested_segwit", "taproot", "legacy"}[t]
}

func ParseAddressType(s string) (AddressType, error) {
	switch s {
	case "native_segwit":
		return AddressNativeSegwit, nil
	case "nested_segwit":
		return AddressNestedSegwit, nil
	case "taproot":
		return AddressTaproot, nil
	case "legacy":
		return AddressLegacy, nil
	default:
		return 0, fmt.Errorf("unknown address type %q", s)
	}
}

// EscrowIndex marks the single keyless slot of an escrow wallet; escrow
// wallets never run gap-limit discovery.
const EscrowIndex = -1

type Wallet struct {
	ID          string
	Name        string
	M           int
	N           int
	WalletType  WalletType
	AddressType AddressType
	Xpubs       []string
	GapLimit    int
	Balance     int64
	CreatedAt   time.Time
}

func (w *Wallet) IsEscrow() bool {
	return w.WalletType == WalletEscrow
}

// Address is one derived wallet address with its discovery bookkeeping.
type Address struct {
	WalletID string
	Address  string
	Index    int
	Internal bool
	Used     bool
}
