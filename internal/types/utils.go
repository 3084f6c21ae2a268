package types

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"
)

func GetBTCNetwork(networkType string) *chaincfg.Params {
	switch networkType {
	case "", "mainnet":
		return &chaincfg.MainNetParams
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		log.Warnf("Unknown network type %s, fallback to mainnet", networkType)
		return &chaincfg.MainNetParams
	}
}

// SignerCount counts the signer slots set in a serialized signer bitmap.
func SignerCount(signers []byte) int {
	if len(signers) == 0 {
		return 0
	}
	bmp := bitmap.FromBytes(signers)
	return bmp.Count()
}

// MarkSigner sets one signer slot and returns the reserialized bitmap.
func MarkSigner(signers []byte, pos uint32) []byte {
	var bmp bitmap.Bitmap
	if len(signers) > 0 {
		bmp = bitmap.FromBytes(signers)
	}
	bmp.Set(pos)
	return bmp.ToBytes()
}

// HasSigner reports whether one signer slot is set.
func HasSigner(signers []byte, pos uint32) bool {
	if len(signers) == 0 {
		return false
	}
	bmp := bitmap.FromBytes(signers)
	return bmp.Contains(pos)
}
