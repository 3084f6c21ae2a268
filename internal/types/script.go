package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScripthashFromScript hashes an output script into the little-endian hex
// form Electrum servers key subscriptions on.
func ScripthashFromScript(script []byte) string {
	hash := sha256.Sum256(script)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// ScripthashFromAddress converts a bitcoin address to its scripthash.
func ScripthashFromAddress(address string, net *chaincfg.Params) (string, error) {
	script, err := PayToAddrScript(address, net)
	if err != nil {
		return "", err
	}
	return ScripthashFromScript(script), nil
}

// PayToAddrScript builds the output script paying to an address.
func PayToAddrScript(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %s: %v", address, err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("address %s is not valid for network %s", address, net.Name)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %v", err)
	}
	return script, nil
}

// ReverseHash flips a hex encoded hash between display order and wire order.
func ReverseHash(hash string) (string, error) {
	data, err := hex.DecodeString(hash)
	if err != nil {
		return "", err
	}
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}
	return hex.EncodeToString(data), nil
}
