package miio

import (
	"time"

	"github.com/google/uuid"
)

// MQTT message types exchanged between the bridge and the automation host.

// CommandMessage asks the bridge to set a capability on a device.
// Topic: miiobridge/command/{device}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Generated when empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID defaults to the device in the topic.
	DeviceID string `json:"device_id,omitempty"`

	// Capability is the canonical capability to set ("onoff", "dim").
	Capability string `json:"capability"`

	// Value is the canonical value (bool for onoff, 0..1 for dim).
	Value any `json:"value"`

	// Source indicates where the command originated ("mqtt", "api").
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device accepted the write.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: miiobridge/ack/{device}
type AckMessage struct {
	CommandID  string    `json:"command_id"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id"`
	Capability string    `json:"capability"`
	Status     AckStatus `json:"status"`
	Error      *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeWriteFailed       = "WRITE_FAILED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// NewAckMessage creates an accepted acknowledgement for cmd.
func NewAckMessage(cmd CommandMessage) AckMessage {
	return AckMessage{
		CommandID:  cmd.ID,
		Timestamp:  time.Now().UTC(),
		DeviceID:   cmd.DeviceID,
		Capability: cmd.Capability,
		Status:     AckAccepted,
	}
}

// NewAckError creates a failed acknowledgement for cmd.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd)
	ack.Status = AckFailed
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// SettingsMessage updates connection settings. Omitted fields keep their
// current value.
// Topic: miiobridge/settings/{device}
type SettingsMessage struct {
	Address *string `json:"address,omitempty"`
	Token   *string `json:"token,omitempty"`

	// Polling is the poll interval in seconds.
	Polling *int `json:"polling,omitempty"`
}

// StateMessage is the retained snapshot of a device.
// Topic: miiobridge/state/{device}
type StateMessage struct {
	DeviceID     string         `json:"device_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Available    bool           `json:"available"`
	Capabilities map[string]any `json:"capabilities"`
}

// CapabilityMessage is the retained value of one capability.
// Topic: miiobridge/state/{device}/{capability}
type CapabilityMessage struct {
	DeviceID   string    `json:"device_id"`
	Capability string    `json:"capability"`
	Value      any       `json:"value"`
	Previous   any       `json:"previous,omitempty"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// TriggerMessage is published when a trigger fires.
// Topic: miiobridge/trigger/{device}/{trigger}
type TriggerMessage struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	Trigger   string         `json:"trigger"`
	Tokens    map[string]any `json:"tokens,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AvailabilityMessage is the retained availability of a device.
// Topic: miiobridge/availability/{device}
type AvailabilityMessage struct {
	DeviceID  string    `json:"device_id"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: miiobridge/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge           string       `json:"bridge"`
	Timestamp        time.Time    `json:"timestamp"`
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	DevicesManaged   int          `json:"devices_managed"`
	DevicesAvailable int          `json:"devices_available"`
	Reason           string       `json:"reason,omitempty"`
}

// NewHealthMessage creates a health message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, total, available int, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:           bridgeID,
		Timestamp:        time.Now().UTC(),
		Status:           status,
		Version:          version,
		UptimeSeconds:    int64(time.Since(startTime).Seconds()),
		DevicesManaged:   total,
		DevicesAvailable: available,
	}
}

// newCommandID returns a fresh command correlation ID.
func newCommandID() string {
	return uuid.NewString()
}
