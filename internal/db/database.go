package db

import (
	"os"
	"path/filepath"

	"github.com/keelwallet/keel-syncer/internal/config"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DatabaseManager struct {
	walletDb *gorm.DB
	chainDb  *gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm := &DatabaseManager{}
	dm.initDB()
	return dm
}

func (dm *DatabaseManager) initDB() {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	walletPath := filepath.Join(dbDir, "wallet.db")
	walletDb, err := gorm.Open(sqlite.Open(walletPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to wallet database: %v", err)
	}
	dm.walletDb = walletDb
	log.Debugf("Wallet database connected successfully, path: %s", walletPath)

	chainPath := filepath.Join(dbDir, "chain.db")
	chainDb, err := gorm.Open(sqlite.Open(chainPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to chain database: %v", err)
	}
	dm.chainDb = chainDb
	log.Debugf("Chain database connected successfully, path: %s", chainPath)

	dm.autoMigrate()
	log.Debugf("Database migration completed successfully")
}

func (dm *DatabaseManager) GetWalletDB() *gorm.DB {
	return dm.walletDb
}

func (dm *DatabaseManager) GetChainDB() *gorm.DB {
	return dm.chainDb
}
