package http

type StatusResponse struct {
	State     string `json:"state"`
	Progress  int    `json:"progress"`
	TipHeight int32  `json:"tip_height"`
	TipHash   string `json:"tip_hash,omitempty"`
}

type BalanceResponse struct {
	WalletId           string `json:"wallet_id"`
	Balance            int64  `json:"balance"`
	UnconfirmedBalance int64  `json:"unconfirmed_balance"`
}

type CoinResponse struct {
	Txid     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Value    int64  `json:"value"`
	Address  string `json:"address"`
	Internal bool   `json:"internal"`
	Height   int32  `json:"height"`
	Memo     string `json:"memo,omitempty"`
	Status   string `json:"status"`
	SpentBy  string `json:"spent_by,omitempty"`
}

type TransactionResponse struct {
	Txid           string `json:"txid"`
	Height         int32  `json:"height"`
	BlockTime      int64  `json:"block_time"`
	Fee            int64  `json:"fee"`
	Memo           string `json:"memo,omitempty"`
	Status         string `json:"status"`
	RequiredSigs   int    `json:"required_sigs"`
	SignerCount    int    `json:"signer_count"`
	ReplacedByTxid string `json:"replaced_by_txid,omitempty"`
	RejectReason   string `json:"reject_reason,omitempty"`
	RawTx          string `json:"raw_tx"`
}

type NewAddressRequest struct {
	Internal bool `json:"internal"`
}

type BroadcastRequest struct {
	RawTx string `json:"raw_tx"`
}

type FeeResponse struct {
	Target   int   `json:"target"`
	FeeRate  int64 `json:"fee_rate"`
	RelayFee int64 `json:"relay_fee"`
}
