// Package db keeps the optional SQLite audit trail: usage signals and
// refresh outcomes, readable back for status history.
package db

import (
	"github.com/glebarez/sqlite"
	"github.com/pysugar/oauth-rotor/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite audit database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.UsageRecord{}, &models.RefreshEvent{}); err != nil {
		return nil, err
	}
	return db, nil
}
