package device

import (
	"context"
	"time"
)

// StateHistoryEntry is one recorded capability change.
type StateHistoryEntry struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Capability string    `json:"capability"`
	Value      any       `json:"value"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// StateHistoryRepository stores capability changes for later inspection.
//
// The history is a local audit trail that survives InfluxDB being disabled
// or down.
type StateHistoryRepository interface {
	// RecordChange appends one capability change.
	RecordChange(ctx context.Context, deviceID, capability string, value any, source Source) error

	// GetHistory returns the newest entries for a device. Limits outside
	// 1..200 are clamped (0 means 50).
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than olderThan and returns how many.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
