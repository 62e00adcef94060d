package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists devices, capability values and store values.
type Repository interface {
	// Get loads one device with its capabilities and store.
	// Returns ErrDeviceNotFound when the ID is unknown.
	Get(ctx context.Context, id string) (*Device, error)

	// List loads every persisted device, ordered by ID.
	List(ctx context.Context) ([]Device, error)

	// Upsert inserts a device or updates its name, model and address.
	Upsert(ctx context.Context, d *Device) error

	// DeclareCapability records a capability with no value. Existing values
	// are left alone.
	DeclareCapability(ctx context.Context, id, capability string) error

	// SaveCapability stores the latest value of a capability.
	SaveCapability(ctx context.Context, id, capability string, value any) error

	// SaveStoreValue stores one settings-store entry.
	SaveStoreValue(ctx context.Context, id, key string, value any) error

	// SaveAvailability stores the availability flag and reason.
	SaveAvailability(ctx context.Context, id string, available bool, reason string) error
}

// SQLiteRepository implements Repository on the devices,
// device_capabilities and device_store tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Get loads one device.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, model, address, available, unavailable_reason, updated_at
		 FROM devices WHERE id = ?`, id)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	byID := map[string]*Device{d.ID: d}
	if err := r.loadCapabilities(ctx, byID, "WHERE device_id = ?", id); err != nil {
		return nil, err
	}
	if err := r.loadStore(ctx, byID, "WHERE device_id = ?", id); err != nil {
		return nil, err
	}
	return d, nil
}

// List loads every device.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, model, address, available, unavailable_reason, updated_at
		 FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var ordered []*Device
	byID := make(map[string]*Device)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, d)
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	if err := r.loadCapabilities(ctx, byID, ""); err != nil {
		return nil, err
	}
	if err := r.loadStore(ctx, byID, ""); err != nil {
		return nil, err
	}

	devices := make([]Device, len(ordered))
	for i, d := range ordered {
		devices[i] = *d
	}
	return devices, nil
}

// Upsert inserts or updates the device row. Availability is untouched.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, model, address, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			address = excluded.address,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.Model, d.Address, now())
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.ID, err)
	}
	return nil
}

// DeclareCapability records a capability without a value.
func (r *SQLiteRepository) DeclareCapability(ctx context.Context, id, capability string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_capabilities (device_id, capability, value, updated_at)
		 VALUES (?, ?, NULL, ?)`,
		id, capability, now())
	if err != nil {
		return fmt.Errorf("declaring capability %s: %w", capability, err)
	}
	return nil
}

// SaveCapability stores a capability value as JSON.
func (r *SQLiteRepository) SaveCapability(ctx context.Context, id, capability string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO device_capabilities (device_id, capability, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id, capability) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		id, capability, encoded, now())
	if err != nil {
		return fmt.Errorf("saving capability %s: %w", capability, err)
	}
	return nil
}

// SaveStoreValue stores a settings-store entry as JSON.
func (r *SQLiteRepository) SaveStoreValue(ctx context.Context, id, key string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO device_store (device_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		id, key, encoded, now())
	if err != nil {
		return fmt.Errorf("saving store value %s: %w", key, err)
	}
	return nil
}

// SaveAvailability updates the availability columns.
func (r *SQLiteRepository) SaveAvailability(ctx context.Context, id string, available bool, reason string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET available = ?, unavailable_reason = ?, updated_at = ? WHERE id = ?`,
		boolToInt(available), reason, now(), id)
	if err != nil {
		return fmt.Errorf("saving availability: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d         Device
		available int
		updatedAt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Model, &d.Address, &available, &d.UnavailableReason, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.Available = available != 0
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // written by now()
	d.Capabilities = make(map[string]any)
	d.Store = make(map[string]any)
	return &d, nil
}

func (r *SQLiteRepository) loadCapabilities(ctx context.Context, byID map[string]*Device, where string, args ...any) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT device_id, capability, value FROM device_capabilities "+where, args...)
	if err != nil {
		return fmt.Errorf("querying capabilities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, capability string
			raw            sql.NullString
		)
		if err := rows.Scan(&id, &capability, &raw); err != nil {
			return fmt.Errorf("scanning capability: %w", err)
		}
		d, ok := byID[id]
		if !ok {
			continue
		}
		value, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("decoding capability %s: %w", capability, err)
		}
		d.Capabilities[capability] = value
	}
	return rows.Err()
}

func (r *SQLiteRepository) loadStore(ctx context.Context, byID map[string]*Device, where string, args ...any) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT device_id, key, value FROM device_store "+where, args...)
	if err != nil {
		return fmt.Errorf("querying store: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, key string
			raw     sql.NullString
		)
		if err := rows.Scan(&id, &key, &raw); err != nil {
			return fmt.Errorf("scanning store value: %w", err)
		}
		d, ok := byID[id]
		if !ok {
			continue
		}
		value, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("decoding store value %s: %w", key, err)
		}
		d.Store[key] = value
	}
	return rows.Err()
}

func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return string(b), nil
}

func decodeValue(raw sql.NullString) (any, error) {
	if !raw.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
