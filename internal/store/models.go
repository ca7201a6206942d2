package store

import "time"

// Export statuses.
const (
	StatusRunning   = "running"
	StatusEmpty     = "empty"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ExportRecord tracks one export directory from creation to expiry.
type ExportRecord struct {
	ID              string
	Path            string // export directory, unique
	Identity        string
	Status          string // "running", "empty", "completed", "failed"
	ItemCount       int
	SourceBytes     int64
	ContainerBytes  int64
	SizeConstrained bool
	Split           bool
	ErrorMessage    string
	CreatedAt       time.Time
	CompletedAt     time.Time // zero until the export finishes
	ExpiresAt       time.Time // zero when the export never expires
}

// Expired reports whether the record has an expiry at or before now.
func (r *ExportRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}
