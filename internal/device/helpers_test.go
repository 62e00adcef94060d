package device

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/nerrad567/miio-bridge/internal/infrastructure/database"
	_ "github.com/nerrad567/miio-bridge/migrations"
)

// setupTestDB opens an in-memory database with the bridge schema applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

// recordingObserver captures every notification.
type recordingObserver struct {
	mu           sync.Mutex
	changes      []CapabilityChange
	triggers     []TriggerEvent
	availability []AvailabilityChange
}

func (o *recordingObserver) CapabilityChanged(_ context.Context, c CapabilityChange) {
	o.mu.Lock()
	o.changes = append(o.changes, c)
	o.mu.Unlock()
}

func (o *recordingObserver) TriggerFired(_ context.Context, e TriggerEvent) {
	o.mu.Lock()
	o.triggers = append(o.triggers, e)
	o.mu.Unlock()
}

func (o *recordingObserver) AvailabilityChanged(_ context.Context, c AvailabilityChange) {
	o.mu.Lock()
	o.availability = append(o.availability, c)
	o.mu.Unlock()
}

func (o *recordingObserver) counts() (changes, triggers, availability int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.changes), len(o.triggers), len(o.availability)
}
