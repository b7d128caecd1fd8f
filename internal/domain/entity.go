package domain

import (
	"time"
)

// InstrumentInfo is the catalog row for one recorded instrument
type InstrumentInfo struct {
	Instrument     string    `gorm:"primaryKey" json:"instrument"`
	PairID         string    `gorm:"uniqueIndex" json:"pair_id"`
	EntryCount     int64     `json:"entry_count"`
	BucketCount    int64     `json:"bucket_count"`
	FirstTimestamp float64   `json:"first_timestamp"`
	LastTimestamp  float64   `json:"last_timestamp"`
	IsActive       bool      `json:"is_active" gorm:"index"` // Currently fed by a worker
	LastSyncedAt   time.Time `json:"last_synced_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InconsistencyReport records a detected structural inconsistency (e.g. crossed book)
type InconsistencyReport struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Instrument string    `gorm:"index" json:"instrument"`
	EntryIndex int64     `json:"entry_index"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Timestamp  float64   `json:"timestamp"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewInconsistencyReport converts a detected error into a storable row.
func NewInconsistencyReport(e *InconsistencyError) *InconsistencyReport {
	return &InconsistencyReport{
		Instrument: e.Instrument,
		EntryIndex: e.Index,
		Bid:        e.Bid,
		Ask:        e.Ask,
		Timestamp:  e.Timestamp,
		Detail:     e.Error(),
	}
}
