package miio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/mqtt"
)

// commandTimeout bounds a capability write issued through the bridge.
const commandTimeout = 5 * time.Second

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// DeviceRegistry hands out the store of each supervised device.
// This interface is satisfied by *device.Registry.
type DeviceRegistry interface {
	Register(ctx context.Context, seed device.Seed) (*device.Handle, error)
	Unregister(id string)
	Counts() (total, available int)
}

// DeviceSpec describes one device the bridge supervises.
type DeviceSpec struct {
	Seed      device.Seed
	Settings  Settings
	Connector Connector
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID string
	Version  string

	// HealthInterval defaults to 30 seconds.
	HealthInterval time.Duration

	Devices  []DeviceSpec
	Registry DeviceRegistry

	// MQTTClient is optional. Without it the bridge runs without command
	// subscriptions or health reporting.
	MQTTClient MQTTClient

	// Scheduler and Jitter are passed to every supervisor.
	Scheduler Scheduler
	Jitter    JitterFunc

	Logger Logger
}

// Bridge runs one Supervisor per configured device and routes MQTT
// commands and settings updates to them.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID  string
	devices   []DeviceSpec
	registry  DeviceRegistry
	mqtt      MQTTClient
	health    *HealthReporter
	scheduler Scheduler
	jitter    JitterFunc
	topics    mqtt.Topics

	supervisors map[string]*Supervisor
	handles     map[string]*device.Handle
	mu          sync.RWMutex

	stopOnce sync.Once

	loggerHolder
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Registry == nil {
		return nil, errors.New("miio: device registry is required")
	}

	b := &Bridge{
		bridgeID:    opts.BridgeID,
		devices:     opts.Devices,
		registry:    opts.Registry,
		mqtt:        opts.MQTTClient,
		scheduler:   opts.Scheduler,
		jitter:      opts.Jitter,
		supervisors: make(map[string]*Supervisor),
		handles:     make(map[string]*device.Handle),
	}

	var publisher HealthPublisher
	if opts.MQTTClient != nil {
		publisher = opts.MQTTClient
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: publisher,
		Devices:   opts.Registry,
	})
	b.SetLogger(opts.Logger)

	return b, nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerHolder.SetLogger(logger)
	b.health.SetLogger(logger)
}

// Start brings the bridge up. It performs:
//  1. Publishes a retained "starting" health message
//  2. Registers and boots a supervisor for every configured device
//  3. Subscribes to the command and settings topics
//  4. Starts periodic health reporting
//
// A failure to publish the starting message is logged, not returned.
//
// Parameters:
//   - ctx: Bounds device registration and the health reporter's lifetime
//
// Returns:
//   - error: The first device registration or subscription failure
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.log().Warn("failed to publish starting status", "error", err)
	}

	for _, spec := range b.devices {
		if err := b.AddDevice(ctx, spec); err != nil {
			return err
		}
	}

	if b.mqtt != nil {
		for _, topic := range []string{b.topics.AllCommands(), b.topics.AllSettings()} {
			if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
				return fmt.Errorf("subscribe to %s: %w", topic, err)
			}
			b.log().Info("subscribed", "topic", topic)
		}
	}

	b.health.Start(ctx)

	b.log().Info("bridge started", "bridge_id", b.bridgeID, "devices", len(b.devices))
	return nil
}

// AddDevice registers a device and boots its supervisor.
func (b *Bridge) AddDevice(ctx context.Context, spec DeviceSpec) error {
	handle, err := b.registry.Register(ctx, spec.Seed)
	if err != nil {
		return fmt.Errorf("register device %s: %w", spec.Seed.ID, err)
	}

	sup, err := NewSupervisor(SupervisorConfig{
		Store:     handle,
		Connector: spec.Connector,
		Settings:  spec.Settings,
		Scheduler: b.scheduler,
		Jitter:    b.jitter,
		Logger:    b.log(),
	})
	if err != nil {
		b.registry.Unregister(spec.Seed.ID)
		return fmt.Errorf("supervise device %s: %w", spec.Seed.ID, err)
	}

	b.mu.Lock()
	b.supervisors[handle.ID()] = sup
	b.handles[handle.ID()] = handle
	b.mu.Unlock()

	sup.Boot()
	return nil
}

// RemoveDevice tears down a device's supervisor and unregisters it.
func (b *Bridge) RemoveDevice(id string) error {
	b.mu.Lock()
	sup, ok := b.supervisors[id]
	delete(b.supervisors, id)
	delete(b.handles, id)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	sup.Teardown()
	b.registry.Unregister(id)
	return nil
}

// Stop tears down every supervisor and stops health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.health.Stop()

		b.mu.Lock()
		sups := b.supervisors
		b.supervisors = make(map[string]*Supervisor)
		b.handles = make(map[string]*device.Handle)
		b.mu.Unlock()

		var g errgroup.Group
		for _, sup := range sups {
			g.Go(func() error {
				sup.Teardown()
				return nil
			})
		}
		//nolint:errcheck // teardown never fails
		g.Wait()

		for id := range sups {
			b.registry.Unregister(id)
		}

		b.log().Info("bridge stopped")
	})
}

func (b *Bridge) supervisor(id string) (*Supervisor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sup, ok := b.supervisors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return sup, nil
}

// SetCapability writes a capability to a device.
//
// Returns:
//   - error: ErrUnknownDevice, ErrUnsupportedCapability, ErrDeviceUnreachable or ErrWriteFailure
func (b *Bridge) SetCapability(ctx context.Context, id, capability string, value any) error {
	sup, err := b.supervisor(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return sup.Execute(ctx, capability, value)
}

// Refresh forces a device to drop and reopen its client.
func (b *Bridge) Refresh(id string) error {
	sup, err := b.supervisor(id)
	if err != nil {
		return err
	}
	return sup.Refresh()
}

// UpdateSettings applies a partial settings update. If address, token or
// polling changed, the device resyncs immediately.
//
// Returns:
//   - Settings: The settings now in effect
//   - error: ErrUnknownDevice or ErrInvalidSettings
func (b *Bridge) UpdateSettings(ctx context.Context, id string, msg SettingsMessage) (Settings, error) {
	sup, err := b.supervisor(id)
	if err != nil {
		return Settings{}, err
	}

	current := sup.Settings()
	next := current
	if msg.Address != nil {
		next.Address = *msg.Address
	}
	if msg.Token != nil {
		next.Token = *msg.Token
	}
	if msg.Polling != nil {
		if *msg.Polling > config.MaxPollingInterval {
			return current, fmt.Errorf("%w: polling must be at most %d seconds", ErrInvalidSettings, config.MaxPollingInterval)
		}
		next.PollInterval = time.Duration(*msg.Polling) * time.Second
	}

	if err := validateSettings(next); err != nil {
		return current, err
	}
	if next == current {
		return current, nil
	}

	if next.Address != current.Address {
		b.mu.RLock()
		handle := b.handles[id]
		b.mu.RUnlock()
		if handle != nil {
			if err := handle.SetAddress(ctx, next.Address); err != nil {
				return current, err
			}
		}
	}

	if err := sup.Resync(next); err != nil {
		return current, err
	}
	return next, nil
}

func validateSettings(s Settings) error {
	if s.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidSettings)
	}
	if err := config.ValidateToken(s.Token); err != nil {
		return fmt.Errorf("%w: token %w", ErrInvalidSettings, err)
	}
	if s.PollInterval < config.MinPollingInterval*time.Second {
		return fmt.Errorf("%w: polling must be at least %d seconds", ErrInvalidSettings, config.MinPollingInterval)
	}
	if s.PollInterval > config.MaxPollingInterval*time.Second {
		return fmt.Errorf("%w: polling must be at most %d seconds", ErrInvalidSettings, config.MaxPollingInterval)
	}
	return nil
}

// Status returns the supervisor status of every device, ordered by ID.
func (b *Bridge) Status() []SupervisorStatus {
	b.mu.RLock()
	sups := make([]*Supervisor, 0, len(b.supervisors))
	for _, sup := range b.supervisors {
		sups = append(sups, sup)
	}
	b.mu.RUnlock()

	out := make([]SupervisorStatus, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// DeviceStatus returns the supervisor status of one device.
func (b *Bridge) DeviceStatus(id string) (SupervisorStatus, error) {
	sup, err := b.supervisor(id)
	if err != nil {
		return SupervisorStatus{}, err
	}
	return sup.Status(), nil
}

// Health returns the current bridge health without publishing it.
func (b *Bridge) Health() HealthMessage {
	return b.health.Snapshot()
}

// handleMQTTMessage routes command and settings messages.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	if id, ok := mqtt.DeviceFromTopic(topic, "command"); ok {
		b.handleCommand(id, payload)
		return nil
	}
	if id, ok := mqtt.DeviceFromTopic(topic, "settings"); ok {
		return b.handleSettings(id, payload)
	}
	return fmt.Errorf("unexpected topic %s", topic)
}

// handleCommand executes a command message and publishes its acknowledgement.
func (b *Bridge) handleCommand(deviceID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(deviceID, NewAckError(CommandMessage{DeviceID: deviceID}, ErrCodeInvalidCommand, "malformed command"))
		b.log().Warn("failed to parse command", "device_id", deviceID, "error", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = newCommandID()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}
	if cmd.DeviceID != deviceID {
		b.publishAck(deviceID, NewAckError(cmd, ErrCodeInvalidCommand, "device_id does not match topic"))
		return
	}

	b.log().Info("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"capability", cmd.Capability)

	if err := b.SetCapability(context.Background(), deviceID, cmd.Capability, cmd.Value); err != nil {
		b.publishAck(deviceID, NewAckError(cmd, ackCode(err), err.Error()))
		b.log().Warn("command failed", "command_id", cmd.ID, "device_id", deviceID, "error", err)
		return
	}
	b.publishAck(deviceID, NewAckMessage(cmd))
}

// ackCode maps an execution error to an acknowledgement error code.
func ackCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnsupportedCapability):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrDeviceUnreachable):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrWriteFailure):
		return ErrCodeWriteFailed
	}
	return ErrCodeBridgeError
}

func (b *Bridge) publishAck(deviceID string, ack AckMessage) {
	if b.mqtt == nil {
		return
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		b.log().Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(deviceID), payload, 1, false); err != nil {
		b.log().Warn("failed to publish ack", "device_id", deviceID, "error", err)
	}
}

func (b *Bridge) handleSettings(deviceID string, payload []byte) error {
	var msg SettingsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parse settings for %s: %w", deviceID, err)
	}
	if _, err := b.UpdateSettings(context.Background(), deviceID, msg); err != nil {
		return fmt.Errorf("update settings for %s: %w", deviceID, err)
	}
	return nil
}
