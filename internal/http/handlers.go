package http

import (
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/gin-gonic/gin"
	"github.com/keelwallet/keel-syncer/internal/chain"
	"github.com/keelwallet/keel-syncer/internal/state"
	"github.com/keelwallet/keel-syncer/internal/types"
)

func (hs *HTTPServerImpl) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		State:    hs.syncer.State().String(),
		Progress: hs.syncer.Progress(),
	}
	if tip, ok := hs.syncer.ChainTip(); ok {
		resp.TipHeight = tip.Height
		resp.TipHash = tip.Hash
	}
	c.JSON(http.StatusOK, resp)
}

func (hs *HTTPServerImpl) handleWallets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"wallets": hs.state.GetWallets()})
}

func (hs *HTTPServerImpl) handleWalletBalance(c *gin.Context) {
	walletId := c.Param("id")
	if _, ok := hs.state.GetWallet(walletId); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	balance, unconfirmed, _ := hs.state.GetWalletBalance(walletId)
	c.JSON(http.StatusOK, BalanceResponse{
		WalletId:           walletId,
		Balance:            balance,
		UnconfirmedBalance: unconfirmed,
	})
}

func (hs *HTTPServerImpl) handleWalletCoins(c *gin.Context) {
	walletId := c.Param("id")
	if _, ok := hs.state.GetWallet(walletId); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	coins, err := hs.syncer.Coins(walletId)
	if err != nil {
		log.Errorf("Failed to project coins of %s: %v", walletId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "projection failed"})
		return
	}

	resp := make([]CoinResponse, 0, len(coins))
	for _, coin := range coins {
		resp = append(resp, CoinResponse{
			Txid:     coin.TxID,
			Vout:     coin.Vout,
			Value:    coin.Value,
			Address:  coin.Address,
			Internal: coin.Internal,
			Height:   coin.Height,
			Memo:     coin.Memo,
			Status:   coin.Status.String(),
			SpentBy:  coin.SpentBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"coins": resp})
}

func (hs *HTTPServerImpl) handleWalletTransactions(c *gin.Context) {
	walletId := c.Param("id")
	if _, ok := hs.state.GetWallet(walletId); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	records, err := hs.state.GetTransactions(walletId)
	if err != nil {
		log.Errorf("Failed to list transactions of %s: %v", walletId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	resp := make([]TransactionResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, TransactionResponse{
			Txid:           record.Txid,
			Height:         record.Height,
			BlockTime:      record.BlockTime,
			Fee:            record.Fee,
			Memo:           record.Memo,
			Status:         state.RecordStatus(record).String(),
			RequiredSigs:   record.RequiredSigs,
			SignerCount:    types.SignerCount(record.Signers),
			ReplacedByTxid: record.ReplacedByTxid,
			RejectReason:   record.RejectReason,
			RawTx:          record.RawTx,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": resp})
}

func (hs *HTTPServerImpl) handleNewAddress(c *gin.Context) {
	walletId := c.Param("id")
	if _, ok := hs.state.GetWallet(walletId); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}

	var req NewAddressRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	record, err := hs.syncer.NewAddress(walletId, req.Internal)
	if err != nil {
		if errors.Is(err, chain.ErrDisconnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend disconnected"})
			return
		}
		log.Errorf("Failed to assign address for %s: %v", walletId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (hs *HTTPServerImpl) handleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RawTx == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	txid, err := hs.syncer.Broadcast(req.RawTx)
	if err != nil {
		if errors.Is(err, chain.ErrDisconnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend disconnected"})
			return
		}
		if errors.Is(err, chain.ErrNetworkRejected) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Errorf("Broadcast failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txid": txid})
}

func (hs *HTTPServerImpl) handleFees(c *gin.Context) {
	target := 6
	if q := c.Query("target"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid target"})
			return
		}
		target = parsed
	}

	feeRate, err := hs.syncer.EstimateFee(target)
	if err != nil {
		if errors.Is(err, chain.ErrDisconnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend disconnected"})
			return
		}
		log.Errorf("Fee estimate failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "estimate failed"})
		return
	}

	c.JSON(http.StatusOK, FeeResponse{
		Target:   target,
		FeeRate:  feeRate,
		RelayFee: hs.syncer.RelayFee(),
	})
}
