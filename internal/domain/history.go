package domain

import (
	"encoding/json"
	"time"
)

// HistoryEntry is a server-confirmed record of a completed job.
// Entries are keyed by CorrelationKey until the server id is known.
type HistoryEntry struct {
	ID             string          `gorm:"type:text;primaryKey" json:"id"`
	OwnerID        string          `gorm:"type:text;not null;uniqueIndex:idx_history_owner_key" json:"owner_id"`
	CorrelationKey string          `gorm:"type:text;not null;uniqueIndex:idx_history_owner_key" json:"correlation_key"`
	JobID          string          `gorm:"type:text;index" json:"job_id"`
	Kind           JobKind         `gorm:"type:text;index" json:"kind"`
	Result         json.RawMessage `gorm:"type:text" json:"result,omitempty"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Unconfirmed    bool            `gorm:"-" json:"unconfirmed,omitempty"`
}

// TableName returns the database table name for HistoryEntry.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (HistoryEntry) TableName() string {
	return "history_entries"
}

// HistoryPage is one page of an owner's history with server-side counters.
type HistoryPage struct {
	Items      []HistoryEntry `json:"items"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalItems int64          `json:"total_items"`
	TotalPages int            `json:"total_pages"`
}

// TotalPagesFor computes the page count for total items split by limit.
func TotalPagesFor(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
