package migrations

import (
	"gorm.io/gorm"
)

// BackfillRejectedHeight moves records that predate the rejected height
// sentinel onto it. Older releases kept network rejected transactions
// at the local height with only the reject reason set.
func BackfillRejectedHeight(tx *gorm.DB) error {
	if err := tx.Exec("UPDATE wallet_transactions SET height = -2, status = 'network_rejected' WHERE reject_reason <> '' AND height <> -2").Error; err != nil {
		return err
	}

	// GetTransactionsByStatus filters on this pair
	if err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_wallet_tx_status ON wallet_transactions (wallet_id, status)").Error; err != nil {
		return err
	}

	return nil
}
