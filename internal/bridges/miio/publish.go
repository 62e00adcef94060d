package miio

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/mqtt"
)

// Publisher is the MQTT surface the state publisher needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceLookup returns the current snapshot of a device.
type DeviceLookup interface {
	Get(id string) (*device.Device, error)
}

// StatePublisher mirrors store changes to MQTT. It implements device.Observer.
type StatePublisher struct {
	publisher Publisher
	devices   DeviceLookup
	topics    mqtt.Topics

	loggerHolder
}

// NewStatePublisher creates a publisher. devices may be nil, in which case
// only per-capability topics are published.
func NewStatePublisher(publisher Publisher, devices DeviceLookup) *StatePublisher {
	return &StatePublisher{publisher: publisher, devices: devices}
}

// CapabilityChanged publishes the capability value and the device snapshot.
func (p *StatePublisher) CapabilityChanged(_ context.Context, change device.CapabilityChange) {
	p.publish(p.topics.CapabilityState(change.DeviceID, change.Capability), CapabilityMessage{
		DeviceID:   change.DeviceID,
		Capability: change.Capability,
		Value:      change.Value,
		Previous:   change.Previous,
		Source:     string(change.Source),
		Timestamp:  change.At,
	}, true)
	p.publishState(change.DeviceID)
}

// TriggerFired publishes the trigger event.
func (p *StatePublisher) TriggerFired(_ context.Context, event device.TriggerEvent) {
	p.publish(p.topics.Trigger(event.DeviceID, event.Trigger), TriggerMessage{
		ID:        event.ID,
		DeviceID:  event.DeviceID,
		Trigger:   event.Trigger,
		Tokens:    event.Tokens,
		Timestamp: event.At,
	}, false)
}

// AvailabilityChanged publishes the device availability and snapshot.
func (p *StatePublisher) AvailabilityChanged(_ context.Context, change device.AvailabilityChange) {
	p.publish(p.topics.Availability(change.DeviceID), AvailabilityMessage{
		DeviceID:  change.DeviceID,
		Available: change.Available,
		Reason:    change.Reason,
		Timestamp: change.At,
	}, true)
	p.publishState(change.DeviceID)
}

func (p *StatePublisher) publishState(deviceID string) {
	if p.devices == nil {
		return
	}
	dev, err := p.devices.Get(deviceID)
	if err != nil {
		return
	}
	p.publish(p.topics.State(deviceID), StateMessage{
		DeviceID:     dev.ID,
		Timestamp:    dev.UpdatedAt,
		Available:    dev.Available,
		Capabilities: dev.Capabilities,
	}, true)
}

func (p *StatePublisher) publish(topic string, msg any, retained bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log().Error("failed to marshal message", "topic", topic, "error", err)
		return
	}
	if err := p.publisher.Publish(topic, payload, 1, retained); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			p.log().Debug("broker offline, dropping message", "topic", topic)
			return
		}
		p.log().Warn("failed to publish", "topic", topic, "error", err)
	}
}
