package miio

import (
	"bytes"
	"context"
	"reflect"
	"sync"
)

// Synchronizer applies translator output to a device Store.
//
// Poll cycles and pushed events share one Synchronizer per device, so the
// compare and the write happen under one lock and both sources converge.
type Synchronizer struct {
	store Store
	mu    sync.Mutex

	loggerHolder
}

// NewSynchronizer creates a synchronizer writing to store.
func NewSynchronizer(store Store) *Synchronizer {
	return &Synchronizer{store: store}
}

// Apply writes every update and store value in out, in order.
//
// Declared capabilities are written only when the value differs from the
// stored one. Undeclared capabilities are added first unless composite is
// set. Null values are never written. Failures are logged and skipped.
//
// Returns the number of capability values that changed.
func (s *Synchronizer) Apply(ctx context.Context, out Output, composite bool) int {
	changed := 0
	for _, u := range out.Updates {
		if s.applyUpdate(ctx, u, composite) {
			changed++
		}
	}
	for _, su := range out.Store {
		s.applyStoreValue(ctx, su)
	}
	return changed
}

func (s *Synchronizer) applyUpdate(ctx context.Context, u Update, composite bool) bool {
	if isNull(u.Value) {
		return false
	}
	value := canonical(u.Value)

	s.mu.Lock()
	declared := s.store.Has(u.Capability)
	previous, _ := s.store.Get(u.Capability)

	if declared {
		if valuesEqual(previous, value) {
			s.mu.Unlock()
			return false
		}
	} else {
		if composite {
			s.mu.Unlock()
			s.log().Debug("skipping undeclared capability on composite device",
				"capability", u.Capability,
				"device_id", s.store.ID())
			return false
		}
		s.log().Info("adding capability reported by device",
			"capability", u.Capability,
			"device_id", s.store.ID())
		if err := s.store.Add(ctx, u.Capability); err != nil {
			s.mu.Unlock()
			s.logWriteFailure(u.Capability, value, err)
			return false
		}
	}

	if err := s.store.Set(ctx, u.Capability, value); err != nil {
		s.mu.Unlock()
		s.logWriteFailure(u.Capability, value, err)
		return false
	}
	s.mu.Unlock()

	if declared && u.Trigger != "" {
		var tokens map[string]any
		if u.Tokens != nil {
			tokens = u.Tokens(value, previous)
		}
		if err := s.store.FireTrigger(ctx, u.Trigger, tokens); err != nil {
			s.log().Warn("failed to fire trigger",
				"trigger", u.Trigger,
				"device_id", s.store.ID(),
				"error", err)
		}
	}
	return true
}

func (s *Synchronizer) applyStoreValue(ctx context.Context, su StoreUpdate) {
	if isNull(su.Value) {
		return
	}
	value := canonical(su.Value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.store.StoreValue(su.Key); ok && valuesEqual(current, value) {
		return
	}
	if err := s.store.SetStoreValue(ctx, su.Key, value); err != nil {
		s.log().Error("failed to update store value",
			"key", su.Key,
			"value", value,
			"device", s.store.Name(),
			"device_id", s.store.ID(),
			"error", err)
	}
}

func (s *Synchronizer) logWriteFailure(capability string, value any, err error) {
	s.log().Error("failed to update capability",
		"capability", capability,
		"value", value,
		"device", s.store.Name(),
		"device_id", s.store.ID(),
		"error", err)
}

// canonical converts numeric kinds to float64 so values compare equal to
// what the store reads back.
func canonical(v any) any {
	if n, ok := toFloat(v); ok {
		return n
	}
	return v
}

// valuesEqual compares two values for equality, handling []byte, numbers
// of different kinds and non-comparable values.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	aBytes, aIsBytes := a.([]byte)
	bBytes, bIsBytes := b.([]byte)
	if aIsBytes && bIsBytes {
		return bytes.Equal(aBytes, bBytes)
	}

	aNum, aIsNum := toFloat(a)
	bNum, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return aNum == bNum
	}

	return reflect.DeepEqual(a, b)
}
