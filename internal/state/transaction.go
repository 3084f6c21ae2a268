package state

import (
	"fmt"
	"time"

	"github.com/keelwallet/keel-syncer/internal/db"
	"github.com/keelwallet/keel-syncer/internal/types"
	"gorm.io/gorm"
)

func (s *State) GetTransactions(walletId string) ([]*db.WalletTransaction, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	var records []*db.WalletTransaction
	result := s.dbm.GetWalletDB().Where("wallet_id = ?", walletId).Order("height asc").Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

func (s *State) GetTransactionsByStatus(walletId, status string) ([]*db.WalletTransaction, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	var records []*db.WalletTransaction
	result := s.dbm.GetWalletDB().Where("wallet_id = ? AND status = ?", walletId, status).Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// GetTransaction is a comma-ok lookup, absence is a normal first
// sighting signal, not an error
func (s *State) GetTransaction(walletId, txid string) (*db.WalletTransaction, bool) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	record, err := s.queryTransaction(walletId, txid)
	if err != nil {
		return nil, false
	}
	return record, true
}

// InsertTransaction stores a transaction first seen on the chain.
// Inserting an already stored txid is a no-op returning the stored
// record, confirmed content is never rewritten.
func (s *State) InsertTransaction(walletId, txid, rawTx string, height int32, blockTime, fee int64) (*db.WalletTransaction, bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	existing, err := s.queryTransaction(walletId, txid)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, false, err
	}
	if err == nil {
		return existing, false, nil
	}

	record := &db.WalletTransaction{
		WalletId:  walletId,
		Txid:      txid,
		RawTx:     rawTx,
		Height:    normalizeHeight(height),
		BlockTime: blockTime,
		Fee:       fee,
		Status:    types.TxStatusFromHeight(normalizeHeight(height), 0, 0).String(),
		UpdatedAt: time.Now(),
	}
	if result := s.dbm.GetWalletDB().Create(record); result.Error != nil {
		return nil, false, result.Error
	}
	return record, true, nil
}

// InsertLocalTransaction stores a not yet broadcast transaction at the
// local height sentinel, carrying the signing quorum it still needs.
func (s *State) InsertLocalTransaction(walletId, txid, rawTx string, fee int64, memo string, changePos, requiredSigs int) (*db.WalletTransaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	existing, err := s.queryTransaction(walletId, txid)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	if err == nil {
		return existing, nil
	}

	record := &db.WalletTransaction{
		WalletId:     walletId,
		Txid:         txid,
		RawTx:        rawTx,
		Height:       types.HeightLocal,
		Fee:          fee,
		Memo:         memo,
		ChangePos:    changePos,
		Status:       types.TxStatusFromHeight(types.HeightLocal, 0, requiredSigs).String(),
		RequiredSigs: requiredSigs,
		UpdatedAt:    time.Now(),
	}
	if result := s.dbm.GetWalletDB().Create(record); result.Error != nil {
		return nil, result.Error
	}
	return record, nil
}

// UpdateTransaction applies a reconciled height/block time to a stored
// record. Memo, change position and the signer sidecar are never
// touched; a record confirmed at height > 0 is immutable. Returns
// whether anything actually changed.
func (s *State) UpdateTransaction(walletId, txid, rawTx string, height int32, blockTime int64) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	record, err := s.queryTransaction(walletId, txid)
	if err != nil {
		return false, err
	}
	if record.Height > 0 {
		return false, nil
	}

	height = normalizeHeight(height)
	status := types.TxStatusFromHeight(height, types.SignerCount(record.Signers), record.RequiredSigs).String()
	if record.Height == height && record.BlockTime == blockTime && record.Status == status && (rawTx == "" || record.RawTx == rawTx) {
		return false, nil
	}

	record.Height = height
	record.BlockTime = blockTime
	record.Status = status
	if rawTx != "" {
		record.RawTx = rawTx
	}
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return false, result.Error
	}
	return true, nil
}

func (s *State) UpdateTransactionStatus(walletId, txid string, status types.TransactionStatus) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	record, err := s.queryTransaction(walletId, txid)
	if err != nil {
		return err
	}
	if record.Height > 0 {
		return fmt.Errorf("transaction %s is confirmed, status is immutable", txid)
	}
	if record.Status == status.String() {
		return nil
	}
	record.Status = status.String()
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return result.Error
	}
	return nil
}

// AddTransactionSigner marks a signer slot on a local transaction and
// moves it to ready_to_broadcast once the quorum is met
func (s *State) AddTransactionSigner(walletId, txid string, signerIndex int) (int, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if signerIndex < 0 {
		return 0, fmt.Errorf("invalid signer index %d", signerIndex)
	}
	record, err := s.queryTransaction(walletId, txid)
	if err != nil {
		return 0, err
	}
	if record.Height != types.HeightLocal {
		return 0, fmt.Errorf("transaction %s is not awaiting signatures", txid)
	}

	record.Signers = types.MarkSigner(record.Signers, uint32(signerIndex))
	count := types.SignerCount(record.Signers)
	record.Status = types.TxStatusFromHeight(record.Height, count, record.RequiredSigs).String()
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

func (s *State) SetReplacedBy(walletId, txid, replacedByTxid string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	record, err := s.queryTransaction(walletId, txid)
	if err != nil {
		return err
	}
	if record.Height > 0 {
		return fmt.Errorf("transaction %s is confirmed, cannot mark replaced", txid)
	}
	record.ReplacedByTxid = replacedByTxid
	record.Status = types.TxReplaced.String()
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return result.Error
	}
	return nil
}

// SetRejectReason records a network rejection after a failed broadcast
func (s *State) SetRejectReason(walletId, txid, reason string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	record, err := s.queryTransaction(walletId, txid)
	if err != nil {
		return err
	}
	record.Height = types.HeightRejected
	record.Status = types.TxNetworkRejected.String()
	record.RejectReason = reason
	record.UpdatedAt = time.Now()
	if result := s.dbm.GetWalletDB().Save(record); result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *State) DeleteTransaction(walletId, txid string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	result := s.dbm.GetWalletDB().Where("wallet_id = ? AND txid = ?", walletId, txid).Delete(&db.WalletTransaction{})
	return result.Error
}

// RecordStatus reads a stored record back as its domain status: a
// pending transaction carrying a replaced-by txid reads as replaced
func RecordStatus(record *db.WalletTransaction) types.TransactionStatus {
	status, err := types.ParseTransactionStatus(record.Status)
	if err != nil {
		return types.TxPendingConfirmation
	}
	if status == types.TxPendingConfirmation && record.ReplacedByTxid != "" {
		return types.TxReplaced
	}
	return status
}

func (s *State) queryTransaction(walletId, txid string) (*db.WalletTransaction, error) {
	var record db.WalletTransaction
	result := s.dbm.GetWalletDB().Where("wallet_id = ? AND txid = ?", walletId, txid).First(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	return &record, nil
}

// normalizeHeight clamps chain-reported heights: anything not yet in a
// block (including "unconfirmed parents" markers below zero) is
// mempool. Local and rejected sentinels are never produced by the
// chain, they enter through InsertLocalTransaction/SetRejectReason.
func normalizeHeight(height int32) int32 {
	if height <= 0 {
		return types.HeightMempool
	}
	return height
}
