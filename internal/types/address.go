package types

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	externalBranch uint32 = 0
	internalBranch uint32 = 1
)

// DeriveAddress derives the wallet address at <branch>/<index> below each
// signer's account xpub. Multisig pubkeys are sorted before script assembly
// so every cosigner derives the same address.
func DeriveAddress(w *Wallet, internal bool, index uint32, net *chaincfg.Params) (string, error) {
	if w.IsEscrow() {
		return "", fmt.Errorf("escrow wallet %s has no derivation path", w.ID)
	}
	if len(w.Xpubs) == 0 {
		return "", fmt.Errorf("wallet %s has no xpubs", w.ID)
	}

	branch := externalBranch
	if internal {
		branch = internalBranch
	}

	pubKeys := make([]*btcec.PublicKey, 0, len(w.Xpubs))
	for _, xpub := range w.Xpubs {
		pubKey, err := deriveChildPubKey(xpub, branch, index)
		if err != nil {
			return "", err
		}
		pubKeys = append(pubKeys, pubKey)
	}

	if w.WalletType == WalletSingleSig {
		return singleSigAddress(pubKeys[0], w.AddressType, net)
	}
	return multiSigAddress(pubKeys, w.M, w.AddressType, net)
}

func deriveChildPubKey(xpub string, branch, index uint32) (*btcec.PublicKey, error) {
	accountKey, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("failed to parse xpub: %v", err)
	}
	branchKey, err := accountKey.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("failed to derive branch %d: %v", branch, err)
	}
	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %v", index, err)
	}
	return childKey.ECPubKey()
}

func singleSigAddress(pubKey *btcec.PublicKey, addrType AddressType, net *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	switch addrType {
	case AddressNativeSegwit:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case AddressNestedSegwit:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, net)
		if err != nil {
			return "", err
		}
		redeemScript, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return "", err
		}
		addr, err := btcutil.NewAddressScriptHash(redeemScript, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case AddressTaproot:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case AddressLegacy:
		addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("unknown address type %d", addrType)
	}
}

func multiSigAddress(pubKeys []*btcec.PublicKey, m int, addrType AddressType, net *chaincfg.Params) (string, error) {
	if m <= 0 || m > len(pubKeys) {
		return "", fmt.Errorf("invalid quorum %d of %d", m, len(pubKeys))
	}

	serialized := make([][]byte, 0, len(pubKeys))
	for _, pubKey := range pubKeys {
		serialized = append(serialized, pubKey.SerializeCompressed())
	}
	sort.Slice(serialized, func(i, j int) bool {
		return bytes.Compare(serialized[i], serialized[j]) < 0
	})

	addrPubKeys := make([]*btcutil.AddressPubKey, 0, len(serialized))
	for _, pubKeyBytes := range serialized {
		addrPubKey, err := btcutil.NewAddressPubKey(pubKeyBytes, net)
		if err != nil {
			return "", err
		}
		addrPubKeys = append(addrPubKeys, addrPubKey)
	}

	witnessScript, err := txscript.MultiSigScript(addrPubKeys, m)
	if err != nil {
		return "", fmt.Errorf("failed to build multisig script: %v", err)
	}

	switch addrType {
	case AddressNativeSegwit:
		scriptHash := sha256.Sum256(witnessScript)
		addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case AddressNestedSegwit:
		scriptHash := sha256.Sum256(witnessScript)
		witnessAddr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
		if err != nil {
			return "", err
		}
		redeemScript, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return "", err
		}
		addr, err := btcutil.NewAddressScriptHash(redeemScript, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case AddressLegacy:
		addr, err := btcutil.NewAddressScriptHash(witnessScript, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("address type %s does not support multisig", addrType)
	}
}
