package miio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/miio-bridge/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the slice of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// DeviceCounter reports how many devices are registered and available.
type DeviceCounter interface {
	Counts() (total, available int)
}

// HealthReporter keeps a retained bridge health message on the broker,
// refreshed every interval so uptime and device counts stay current.
type HealthReporter struct {
	bridgeID string
	version  string
	started  time.Time
	interval time.Duration

	publisher HealthPublisher
	devices   DeviceCounter

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	loggerHolder
}

// HealthReporterConfig configures NewHealthReporter. Interval defaults to
// 30 seconds. Publisher and Devices may be nil.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Interval  time.Duration
	Publisher HealthPublisher
	Devices   DeviceCounter
}

// NewHealthReporter returns a reporter that does nothing until Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		started:   time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		devices:   cfg.Devices,
		done:      make(chan struct{}),
	}
}

// Start publishes once and then every interval until ctx ends or Stop.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.run(ctx)
}

// Stop ends reporting and leaves a retained "stopping" message behind.
// Further calls are no-ops.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		msg := h.assess()
		msg.Status, msg.Reason = HealthStopping, ""
		h.publish(msg) //nolint:errcheck // broker may already be gone
	})
}

// PublishStarting announces the bridge before any supervisor runs.
func (h *HealthReporter) PublishStarting() error {
	msg := h.assess()
	msg.Status, msg.Reason = HealthStarting, "bridge starting"
	return h.publish(msg)
}

// PublishNow publishes the current assessment immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.assess())
}

// Snapshot returns the current assessment without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	return h.assess()
}

func (h *HealthReporter) run(ctx context.Context) {
	defer h.wg.Done()

	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.log().Warn("publishing bridge health failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-tick.C:
		}
	}
}

// assess reads device counts once and derives status from them. A broker
// outage or a fleet with nothing reachable is degraded; a partly reachable
// fleet stays healthy with the shortfall as the reason.
func (h *HealthReporter) assess() HealthMessage {
	var total, available int
	if h.devices != nil {
		total, available = h.devices.Counts()
	}

	status, reason := HealthHealthy, ""
	switch {
	case h.publisher == nil || !h.publisher.IsConnected():
		status, reason = HealthDegraded, "MQTT disconnected"
	case total > 0 && available == 0:
		status, reason = HealthDegraded, "no devices reachable"
	case available < total:
		reason = fmt.Sprintf("%d of %d devices unreachable", total-available, total)
	}

	msg := NewHealthMessage(h.bridgeID, h.version, status, total, available, h.started)
	msg.Reason = reason
	return msg
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding health: %w", err)
	}
	return h.publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}
