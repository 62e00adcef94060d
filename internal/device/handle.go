package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the store surface of one registered device.
//
// All methods are safe for concurrent use. Writes persist first and update
// the in-memory view only when persistence succeeds.
type Handle struct {
	registry *Registry

	dev *Device
	mu  sync.RWMutex
}

// ID returns the device ID.
func (h *Handle) ID() string { return h.dev.ID }

// Name returns the display name.
func (h *Handle) Name() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dev.Name
}

// Model returns the configured model identifier.
func (h *Handle) Model() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dev.Model
}

// Address returns the current network address.
func (h *Handle) Address() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dev.Address
}

// SetAddress records a new address after a settings change.
func (h *Handle) SetAddress(ctx context.Context, address string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev.Address == address {
		return nil
	}
	updated := *h.dev
	updated.Address = address
	if err := h.registry.repo.Upsert(ctx, &updated); err != nil {
		return err
	}
	h.dev.Address = address
	return nil
}

// Snapshot returns a deep copy of the device.
func (h *Handle) Snapshot() *Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dev.DeepCopy()
}

// Has reports whether the capability is declared.
func (h *Handle) Has(capability string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.dev.Capabilities[capability]
	return ok
}

// Get returns the current value of a capability. ok is false when the
// capability is not declared; a declared capability never reported returns
// (nil, true).
func (h *Handle) Get(capability string) (value any, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	value, ok = h.dev.Capabilities[capability]
	return value, ok
}

// Capabilities returns the declared capability names, sorted.
func (h *Handle) Capabilities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.dev.Capabilities)
}

// Add declares a capability. Declaring an existing capability is a no-op.
func (h *Handle) Add(ctx context.Context, capability string) error {
	if err := ValidateCapabilityName(capability); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.dev.Capabilities[capability]; ok {
		return nil
	}
	if len(h.dev.Capabilities) >= maxCapabilities {
		return fmt.Errorf("%w: device %s already has %d capabilities", ErrInvalidCapability, h.dev.ID, maxCapabilities)
	}
	if err := h.registry.repo.DeclareCapability(ctx, h.dev.ID, capability); err != nil {
		return err
	}
	h.dev.Capabilities[capability] = nil
	return nil
}

// Set writes a capability value and notifies observers. The source of the
// change is taken from ctx (see WithSource).
//
// Set does not compare against the current value; callers deduplicate.
//
// Returns:
//   - error: ErrCapabilityNotDeclared, ErrInvalidValue or a persistence error
func (h *Handle) Set(ctx context.Context, capability string, value any) error {
	if err := validateValue(value, 0); err != nil {
		return err
	}

	h.mu.Lock()
	previous, ok := h.dev.Capabilities[capability]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrCapabilityNotDeclared, capability, h.dev.ID)
	}
	if err := h.registry.repo.SaveCapability(ctx, h.dev.ID, capability, value); err != nil {
		h.mu.Unlock()
		return err
	}
	h.dev.Capabilities[capability] = value
	h.dev.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()

	h.registry.notifyCapability(ctx, CapabilityChange{
		DeviceID:   h.dev.ID,
		Capability: capability,
		Value:      value,
		Previous:   previous,
		Source:     SourceFrom(ctx),
		At:         time.Now().UTC(),
	})
	return nil
}

// StoreValue returns a settings-store entry.
func (h *Handle) StoreValue(key string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.dev.Store[key]
	return v, ok
}

// SetStoreValue writes a settings-store entry.
func (h *Handle) SetStoreValue(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty store key", ErrInvalidValue)
	}
	if err := validateValue(value, 0); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.registry.repo.SaveStoreValue(ctx, h.dev.ID, key, value); err != nil {
		return err
	}
	h.dev.Store[key] = value
	return nil
}

// StoreKeys returns the settings-store keys, sorted.
func (h *Handle) StoreKeys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.dev.Store)
}

// FireTrigger notifies observers of a named trigger with its tokens.
func (h *Handle) FireTrigger(ctx context.Context, trigger string, tokens map[string]any) error {
	if trigger == "" {
		return fmt.Errorf("%w: empty trigger name", ErrInvalidValue)
	}

	h.registry.notifyTrigger(ctx, TriggerEvent{
		ID:       uuid.NewString(),
		DeviceID: h.dev.ID,
		Trigger:  trigger,
		Tokens:   tokens,
		At:       time.Now().UTC(),
	})
	return nil
}

// Available reports the current availability.
func (h *Handle) Available() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dev.Available
}

// UnavailableReason returns the recorded reason, empty while available.
func (h *Handle) UnavailableReason() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dev.UnavailableReason
}

// SetAvailable marks the device available. No-op when already available.
func (h *Handle) SetAvailable(ctx context.Context) error {
	return h.setAvailability(ctx, true, "")
}

// SetUnavailable marks the device unavailable with a reason. No-op when
// already unavailable for the same reason.
func (h *Handle) SetUnavailable(ctx context.Context, reason string) error {
	return h.setAvailability(ctx, false, reason)
}

func (h *Handle) setAvailability(ctx context.Context, available bool, reason string) error {
	h.mu.Lock()
	if h.dev.Available == available && h.dev.UnavailableReason == reason {
		h.mu.Unlock()
		return nil
	}
	if err := h.registry.repo.SaveAvailability(ctx, h.dev.ID, available, reason); err != nil {
		h.mu.Unlock()
		return err
	}
	h.dev.Available = available
	h.dev.UnavailableReason = reason
	h.mu.Unlock()

	h.registry.notifyAvailability(ctx, AvailabilityChange{
		DeviceID:  h.dev.ID,
		Available: available,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
	return nil
}
