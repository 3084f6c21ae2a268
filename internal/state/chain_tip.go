package state

import (
	"time"

	"github.com/keelwallet/keel-syncer/internal/db"
	"gorm.io/gorm"
)

// GetChainTip reads the cached tip; ok is false before the first
// header was ever observed
func (s *State) GetChainTip() (db.ChainTip, bool) {
	s.tipMu.RLock()
	defer s.tipMu.RUnlock()

	return s.tipState.Latest, s.tipState.Latest.Height > 0
}

// SetChainTip persists the newly announced tip, updates the cache and
// publishes an EventBlockHeight
func (s *State) SetChainTip(height int32, hash, headerHex string) error {
	s.tipMu.Lock()

	var tip db.ChainTip
	err := s.dbm.GetChainDB().First(&tip).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		s.tipMu.Unlock()
		return err
	}

	tip.Height = height
	tip.Hash = hash
	tip.HeaderHex = headerHex
	tip.UpdatedAt = time.Now()
	if result := s.dbm.GetChainDB().Save(&tip); result.Error != nil {
		s.tipMu.Unlock()
		return result.Error
	}
	s.tipState.Latest = tip
	s.tipMu.Unlock()

	s.EventBus.Publish(EventBlockHeight, BlockEvent{Height: height, HeaderHex: headerHex})
	return nil
}

// SaveHeader caches a fetched block header by height
func (s *State) SaveHeader(height int32, hash, headerHex string, blockTime int64) error {
	s.tipMu.Lock()
	defer s.tipMu.Unlock()

	var header db.HeaderData
	err := s.dbm.GetChainDB().Where("height = ?", height).First(&header).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	header.Height = height
	header.Hash = hash
	header.HeaderHex = headerHex
	header.BlockTime = blockTime
	result := s.dbm.GetChainDB().Save(&header)
	return result.Error
}

func (s *State) GetHeader(height int32) (*db.HeaderData, bool) {
	s.tipMu.RLock()
	defer s.tipMu.RUnlock()

	var header db.HeaderData
	if err := s.dbm.GetChainDB().Where("height = ?", height).First(&header).Error; err != nil {
		return nil, false
	}
	return &header, true
}
