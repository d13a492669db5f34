package models

import "time"

// UsageRecord is one ingested rate-limit signal, kept for the status
// endpoint's history view. The table is an audit trail, not a source of
// truth; dropping it loses nothing but history.
type UsageRecord struct {
	ID            string `gorm:"primaryKey"` // UUID
	AccountID     string `gorm:"index"`
	Window        string // "primary" or "secondary"
	UsedPercent   float64
	WindowMinutes int
	RecordedAt    time.Time
}

// RefreshEvent is one settled refresh attempt.
type RefreshEvent struct {
	ID         string `gorm:"primaryKey"` // UUID
	AccountID  string `gorm:"index"`
	Status     string // refreshed, skipped, failed
	Detail     string
	OccurredAt time.Time
}
