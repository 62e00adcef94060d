package miio

import (
	"context"
	"sync"
)

// Tag identifies a device capability or property as reported by the client.
type Tag string

// Tags understood by the translator and poll plan.
const (
	TagPower               Tag = "power"
	TagPowerLoad           Tag = "power-load"
	TagPowerConsumed       Tag = "power-consumed"
	TagBatteryLevel        Tag = "battery-level"
	TagTemperature         Tag = "temperature"
	TagRelativeHumidity    Tag = "relative-humidity"
	TagPM25                Tag = "pm2.5"
	TagDepth               Tag = "depth"
	TagBrightness          Tag = "brightness"
	TagIlluminance         Tag = "illuminance"
	TagColor               Tag = "color"
	TagColorable           Tag = "colorable"
	TagChildren            Tag = "children"
	TagMode                Tag = "mode"
	TagState               Tag = "state"
	TagFanSpeed            Tag = "fan-speed"
	TagRollAngle           Tag = "roll-angle"
	TagAdjustableRollAngle Tag = "adjustable-roll-angle"
	TagSwitchableChildLock Tag = "switchable-child-lock"
	TagEyecare             Tag = "eyecare"
	TagVacuum              Tag = "type:vacuum"
	TagVacuumState         Tag = "vacuum-state"
	TagAirData             Tag = "air-data"
)

// ChildLight is the child name of an embedded light component.
const ChildLight = "light"

// Identity is the address/token pair a client is opened with.
type Identity struct {
	Address string
	Token   string
}

// Event is a pushed (tag, value) pair from the device.
type Event struct {
	Tag   Tag
	Value any
}

// Measurement is a reading with a unit, as returned for temperature and
// illuminance tags.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Color is a color reading. Model is "rgb" with three 0-255 values or
// "temperature" with a single Kelvin-like value.
type Color struct {
	Model  string    `json:"model"`
	Values []float64 `json:"values"`
}

// Client is an open connection to one device.
//
// A Client is owned by exactly one Supervisor and is destroyed when the
// supervisor disconnects or tears down.
type Client interface {
	// Matches reports whether the device supports tag.
	Matches(tag Tag) bool

	// Read returns the current value of tag.
	Read(ctx context.Context, tag Tag) (any, error)

	// Write sets tag on the device.
	Write(ctx context.Context, tag Tag, value any) error

	// Child returns the named sub-device, or nil when there is none.
	Child(name string) Client

	// Events returns the pushed event stream. The channel is closed on Destroy.
	Events() <-chan Event

	// Destroy releases the client. Safe to call more than once.
	Destroy()
}

// Connector opens device clients.
type Connector interface {
	Connect(ctx context.Context, id Identity) (Client, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, id Identity) (Client, error)

// Connect calls f(ctx, id).
func (f ConnectorFunc) Connect(ctx context.Context, id Identity) (Client, error) {
	return f(ctx, id)
}

// Store is the host side of a device: its capability values, settings store,
// triggers and availability. It is satisfied by *device.Handle.
type Store interface {
	ID() string
	Name() string
	Model() string
	Address() string

	Has(capability string) bool
	Get(capability string) (any, bool)
	Capabilities() []string
	Add(ctx context.Context, capability string) error
	Set(ctx context.Context, capability string, value any) error

	StoreValue(key string) (any, bool)
	SetStoreValue(ctx context.Context, key string, value any) error
	StoreKeys() []string

	FireTrigger(ctx context.Context, trigger string, tokens map[string]any) error

	Available() bool
	SetAvailable(ctx context.Context) error
	SetUnavailable(ctx context.Context, reason string) error
}

// Logger defines the logging interface used by the miio package.
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

// loggerHolder gives a component a swappable logger.
type loggerHolder struct {
	logger   Logger
	loggerMu sync.RWMutex
}

// SetLogger sets the logger. A nil logger discards output.
func (l *loggerHolder) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *loggerHolder) log() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	if l.logger == nil {
		return noopLogger{}
	}
	return l.logger
}
