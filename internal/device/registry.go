package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives store mutations after they have been persisted.
//
// Methods are called synchronously on the goroutine that made the change and
// must not block for long.
type Observer interface {
	CapabilityChanged(ctx context.Context, change CapabilityChange)
	TriggerFired(ctx context.Context, event TriggerEvent)
	AvailabilityChanged(ctx context.Context, change AvailabilityChange)
}

// Registry owns the Handle of every registered device.
type Registry struct {
	repo    Repository
	history StateHistoryRepository

	handles map[string]*Handle
	mu      sync.RWMutex

	observers   []Observer
	observersMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRegistry creates a registry persisting through repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:    repo,
		handles: make(map[string]*Handle),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Registry) log() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// SetStateHistory enables recording of every capability change.
func (r *Registry) SetStateHistory(history StateHistoryRepository) {
	r.mu.Lock()
	r.history = history
	r.mu.Unlock()
}

// AddObserver registers an observer for all devices.
func (r *Registry) AddObserver(o Observer) {
	r.observersMu.Lock()
	r.observers = append(r.observers, o)
	r.observersMu.Unlock()
}

func (r *Registry) snapshotObservers() []Observer {
	r.observersMu.RLock()
	defer r.observersMu.RUnlock()
	return append([]Observer(nil), r.observers...)
}

// Register adds a device and returns its Handle.
//
// Previously persisted capability values, store values and availability are
// restored so a restart does not replay every change. Capabilities named in
// the seed are declared if missing; capabilities discovered in an earlier run
// stay declared.
//
// Parameters:
//   - ctx: Context for persistence calls
//   - seed: Identity and declared capabilities
//
// Returns:
//   - *Handle: Store surface for the device
//   - error: ErrInvalidDevice, ErrDeviceExists or a persistence error
func (r *Registry) Register(ctx context.Context, seed Seed) (*Handle, error) {
	if err := ValidateSeed(seed); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[seed.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, seed.ID)
	}

	dev := &Device{
		ID:           seed.ID,
		Name:         seed.Name,
		Model:        seed.Model,
		Address:      seed.Address,
		Capabilities: make(map[string]any),
		Store:        make(map[string]any),
	}

	if stored, err := r.repo.Get(ctx, seed.ID); err == nil {
		dev.Available = stored.Available
		dev.UnavailableReason = stored.UnavailableReason
		dev.Capabilities = stored.Capabilities
		dev.Store = stored.Store
		dev.UpdatedAt = stored.UpdatedAt
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return nil, fmt.Errorf("loading device %s: %w", seed.ID, err)
	}

	if err := r.repo.Upsert(ctx, dev); err != nil {
		return nil, err
	}
	for _, c := range seed.Capabilities {
		if _, ok := dev.Capabilities[c]; ok {
			continue
		}
		if err := r.repo.DeclareCapability(ctx, dev.ID, c); err != nil {
			return nil, err
		}
		dev.Capabilities[c] = nil
	}

	h := &Handle{registry: r, dev: dev}
	r.handles[dev.ID] = h

	r.log().Info("device registered", "device_id", dev.ID, "name", dev.Name, "capabilities", len(dev.Capabilities))
	return h, nil
}

// Unregister forgets a device. Persisted data is kept.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Handle returns the Handle of a registered device.
func (r *Registry) Handle(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return h, nil
}

// Get returns a snapshot of a registered device.
func (r *Registry) Get(id string) (*Device, error) {
	h, err := r.Handle(id)
	if err != nil {
		return nil, err
	}
	return h.Snapshot(), nil
}

// List returns snapshots of every registered device, ordered by ID.
func (r *Registry) List() []Device {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	devices := make([]Device, 0, len(handles))
	for _, h := range handles {
		devices = append(devices, *h.Snapshot())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Counts returns the number of registered and available devices.
func (r *Registry) Counts() (total, available int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handles {
		total++
		if h.Available() {
			available++
		}
	}
	return total, available
}

// History returns recorded changes for a device, newest first.
func (r *Registry) History(ctx context.Context, id string, limit int) ([]StateHistoryEntry, error) {
	if _, err := r.Handle(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	history := r.history
	r.mu.RUnlock()
	if history == nil {
		return []StateHistoryEntry{}, nil
	}
	return history.GetHistory(ctx, id, limit)
}

func (r *Registry) notifyCapability(ctx context.Context, change CapabilityChange) {
	r.mu.RLock()
	history := r.history
	r.mu.RUnlock()

	if history != nil {
		if err := history.RecordChange(ctx, change.DeviceID, change.Capability, change.Value, change.Source); err != nil {
			r.log().Warn("recording state history failed",
				"device_id", change.DeviceID,
				"capability", change.Capability,
				"error", err,
			)
		}
	}

	for _, o := range r.snapshotObservers() {
		o.CapabilityChanged(ctx, change)
	}
}

func (r *Registry) notifyTrigger(ctx context.Context, event TriggerEvent) {
	for _, o := range r.snapshotObservers() {
		o.TriggerFired(ctx, event)
	}
}

func (r *Registry) notifyAvailability(ctx context.Context, change AvailabilityChange) {
	for _, o := range r.snapshotObservers() {
		o.AvailabilityChanged(ctx, change)
	}
}
