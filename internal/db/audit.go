package db

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/oauth-rotor/internal/db/models"
	"gorm.io/gorm"
)

// Audit writes usage and refresh history. A nil *Audit is valid and drops
// everything, so callers never need to branch on whether the database is
// configured.
type Audit struct {
	db *gorm.DB
}

// NewAudit wraps an open database.
func NewAudit(db *gorm.DB) *Audit {
	return &Audit{db: db}
}

// RecordUsage appends one parsed rate-limit signal.
func (a *Audit) RecordUsage(accountID, window string, usedPercent float64, windowMinutes int) {
	if a == nil || a.db == nil {
		return
	}
	rec := models.UsageRecord{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Window:        window,
		UsedPercent:   usedPercent,
		WindowMinutes: windowMinutes,
		RecordedAt:    time.Now(),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		log.Printf("⚠️ Failed to record usage audit: %v", err)
	}
}

// RecordRefresh appends one settled refresh attempt.
func (a *Audit) RecordRefresh(accountID, status, detail string) {
	if a == nil || a.db == nil {
		return
	}
	event := models.RefreshEvent{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Status:     status,
		Detail:     detail,
		OccurredAt: time.Now(),
	}
	if err := a.db.Create(&event).Error; err != nil {
		log.Printf("⚠️ Failed to record refresh audit: %v", err)
	}
}

// RecentUsage returns the latest usage records for an account, newest
// first.
func (a *Audit) RecentUsage(accountID string, limit int) []models.UsageRecord {
	if a == nil || a.db == nil {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	var records []models.UsageRecord
	a.db.Where("account_id = ?", accountID).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&records)
	return records
}

// RecentRefreshes returns the latest refresh events across all accounts,
// newest first.
func (a *Audit) RecentRefreshes(limit int) []models.RefreshEvent {
	if a == nil || a.db == nil {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	var events []models.RefreshEvent
	a.db.Order("occurred_at DESC").Limit(limit).Find(&events)
	return events
}
