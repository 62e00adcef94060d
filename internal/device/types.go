package device

import (
	"context"
	"sort"
	"time"
)

// Device is a point-in-time view of a registered device.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Address string `json:"address"`

	Available         bool   `json:"available"`
	UnavailableReason string `json:"unavailable_reason,omitempty"`

	// Capabilities maps every declared capability to its last value.
	// A nil value means the capability was declared but never reported.
	Capabilities map[string]any `json:"capabilities"`

	// Store holds settings-style values (mode, fanspeed, snapshot state).
	Store map[string]any `json:"store,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// CapabilityNames returns the declared capability names in sorted order.
func (d *Device) CapabilityNames() []string {
	return sortedKeys(d.Capabilities)
}

// DeepCopy returns a copy that shares no maps with d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Capabilities = deepCopyMap(d.Capabilities)
	cpy.Store = deepCopyMap(d.Store)
	return &cpy
}

// Seed describes a device at registration time.
type Seed struct {
	ID           string
	Name         string
	Model        string
	Address      string
	Capabilities []string
}

// Source identifies which path produced a capability change.
type Source string

// Known sources.
const (
	SourcePoll     Source = "poll"
	SourceEvent    Source = "event"
	SourceCommand  Source = "command"
	SourceSnapshot Source = "snapshot"
)

type sourceKey struct{}

// WithSource tags ctx with the path that is about to write to the store.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFrom returns the source recorded by WithSource, or SourcePoll.
func SourceFrom(ctx context.Context) Source {
	if src, ok := ctx.Value(sourceKey{}).(Source); ok && src != "" {
		return src
	}
	return SourcePoll
}

// CapabilityChange is delivered to observers after a capability write.
type CapabilityChange struct {
	DeviceID   string    `json:"device_id"`
	Capability string    `json:"capability"`
	Value      any       `json:"value"`
	Previous   any       `json:"previous"`
	Source     Source    `json:"source"`
	At         time.Time `json:"at"`
}

// TriggerEvent is delivered to observers when a device fires a trigger.
type TriggerEvent struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Trigger  string         `json:"trigger"`
	Tokens   map[string]any `json:"tokens"`
	At       time.Time      `json:"at"`
}

// AvailabilityChange is delivered to observers when availability flips or
// the unavailable reason changes.
type AvailabilityChange struct {
	DeviceID  string    `json:"device_id"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
