package types

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
)

const (
	testXpubA = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	testXpubB = "xpub6ASuArnXKPbfEwhqN6e3mwBcDTgzisQN1wXN9BJcM47sSikHjJf3UFHKkNAWbWMiGj7Wf5uMash7SyYq527Hqck2AxYysAA7xmALppuCkwQ"
)

func singleSigWallet(addrType AddressType) *Wallet {
	return &Wallet{
		ID:          "w1",
		Name:        "test wallet",
		M:           1,
		N:           1,
		WalletType:  WalletSingleSig,
		AddressType: addrType,
		Xpubs:       []string{testXpubA},
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	net := &chaincfg.MainNetParams
	w := singleSigWallet(AddressNativeSegwit)

	first, err := DeriveAddress(w, false, 0, net)
	if err != nil {
		t.Fatalf("Failed to derive address: %v", err)
	}
	second, err := DeriveAddress(w, false, 0, net)
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	change, err := DeriveAddress(w, true, 0, net)
	assert.NoError(t, err)
	assert.NotEqual(t, first, change)

	next, err := DeriveAddress(w, false, 1, net)
	assert.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestDeriveAddressPrefixes(t *testing.T) {
	net := &chaincfg.MainNetParams

	addr, err := DeriveAddress(singleSigWallet(AddressNativeSegwit), false, 0, net)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "bc1q"), "native segwit address: %s", addr)

	addr, err = DeriveAddress(singleSigWallet(AddressNestedSegwit), false, 0, net)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "3"), "nested segwit address: %s", addr)

	addr, err = DeriveAddress(singleSigWallet(AddressTaproot), false, 0, net)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "bc1p"), "taproot address: %s", addr)

	addr, err = DeriveAddress(singleSigWallet(AddressLegacy), false, 0, net)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "1"), "legacy address: %s", addr)
}

func TestMultisigAddressSignerOrder(t *testing.T) {
	net := &chaincfg.MainNetParams
	w1 := &Wallet{
		ID:          "w2",
		M:           2,
		N:           2,
		WalletType:  WalletMultiSig,
		AddressType: AddressNativeSegwit,
		Xpubs:       []string{testXpubA, testXpubB},
	}
	w2 := &Wallet{
		ID:          "w2",
		M:           2,
		N:           2,
		WalletType:  WalletMultiSig,
		AddressType: AddressNativeSegwit,
		Xpubs:       []string{testXpubB, testXpubA},
	}

	addr1, err := DeriveAddress(w1, false, 3, net)
	if err != nil {
		t.Fatalf("Failed to derive multisig address: %v", err)
	}
	addr2, err := DeriveAddress(w2, false, 3, net)
	assert.NoError(t, err)
	assert.Equal(t, addr1, addr2, "cosigners must agree on the address regardless of xpub order")
	assert.True(t, strings.HasPrefix(addr1, "bc1q"))
	assert.Len(t, addr1, 62)
}

func TestMultisigInvalidQuorum(t *testing.T) {
	net := &chaincfg.MainNetParams
	w := &Wallet{
		ID:          "w3",
		M:           3,
		N:           2,
		WalletType:  WalletMultiSig,
		AddressType: AddressNativeSegwit,
		Xpubs:       []string{testXpubA, testXpubB},
	}
	_, err := DeriveAddress(w, false, 0, net)
	assert.Error(t, err)
}

func TestEscrowWalletNoDerivation(t *testing.T) {
	net := &chaincfg.MainNetParams
	w := &Wallet{ID: "w4", WalletType: WalletEscrow}
	_, err := DeriveAddress(w, false, 0, net)
	assert.Error(t, err)
}
