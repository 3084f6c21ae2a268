package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Transaction is the ledger view of a wallet transaction: the stored record
// joined with the inputs/outputs parsed from its raw hex.
type Transaction struct {
	TxID           string
	WalletID       string
	RawHex         string
	Height         int32
	BlockTime      int64
	Fee            int64
	Memo           string
	ChangePos      int
	M              int
	SignerCount    int
	ReplacedByTxID string
	RejectReason   string
	Status         TransactionStatus
	Inputs         []TxInput
	Outputs        []TxOutput
}

type TxInput struct {
	TxID string
	Vout uint32
}

type TxOutput struct {
	Address string
	Value   int64
}

// Coin is one wallet-owned output with its projected lifecycle status.
type Coin struct {
	TxID     string
	Vout     uint32
	Value    int64
	Address  string
	Internal bool
	Height   int32
	Memo     string
	Status   CoinStatus
	SpentBy  string
}

func (c Coin) OutPoint() string {
	return fmt.Sprintf("%s:%d", c.TxID, c.Vout)
}

// DecodeRawTransaction parses raw transaction hex into the wire format.
func DecodeRawTransaction(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction hex: %v", err)
	}
	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %v", err)
	}
	return msgTx, nil
}

// ParseTxEnvelope extracts the inputs and outputs of a raw transaction.
// Outputs that carry no standard address (OP_RETURN and friends) keep an
// empty address with their value, so fee math still balances.
func ParseTxEnvelope(rawHex string, net *chaincfg.Params) ([]TxInput, []TxOutput, error) {
	msgTx, err := DecodeRawTransaction(rawHex)
	if err != nil {
		return nil, nil, err
	}

	inputs := make([]TxInput, 0, len(msgTx.TxIn))
	for _, txIn := range msgTx.TxIn {
		inputs = append(inputs, TxInput{
			TxID: txIn.PreviousOutPoint.Hash.String(),
			Vout: txIn.PreviousOutPoint.Index,
		})
	}

	outputs := make([]TxOutput, 0, len(msgTx.TxOut))
	for _, txOut := range msgTx.TxOut {
		var address string
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, net)
		if err == nil && len(addrs) > 0 {
			address = addrs[0].EncodeAddress()
		}
		outputs = append(outputs, TxOutput{
			Address: address,
			Value:   txOut.Value,
		})
	}
	return inputs, outputs, nil
}

// TxIDFromRawHex returns the txid of a raw transaction.
func TxIDFromRawHex(rawHex string) (string, error) {
	msgTx, err := DecodeRawTransaction(rawHex)
	if err != nil {
		return "", err
	}
	return msgTx.TxHash().String(), nil
}
