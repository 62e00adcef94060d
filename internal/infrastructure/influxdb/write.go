package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCapability   = "capability"
	MeasurementAvailability = "availability"
	MeasurementTrigger      = "trigger"
)

// WriteCapability records one capability value.
//
// Numbers are stored in the "value" field, booleans as 1/0 in the same field,
// and strings (modes, vacuum states) in the "text" field. Other types are
// ignored and reported by the return value.
//
// Parameters:
//   - deviceID: Device the value belongs to
//   - capability: Canonical capability name, e.g. "measure_power"
//   - value: The new value
//
// Returns:
//   - bool: Whether a point was queued
func (c *Client) WriteCapability(deviceID, capability string, value any) bool {
	fields, ok := capabilityFields(value)
	if !ok || !c.IsConnected() {
		return false
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementCapability,
		map[string]string{"device_id": deviceID, "capability": capability},
		fields,
		time.Now(),
	))
	return true
}

// WriteAvailability records an availability change.
func (c *Client) WriteAvailability(deviceID string, available bool, reason string) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]any{"available": available}
	if reason != "" {
		fields["reason"] = reason
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementAvailability,
		map[string]string{"device_id": deviceID},
		fields,
		time.Now(),
	))
}

// WriteTrigger records that a trigger fired.
func (c *Client) WriteTrigger(deviceID, trigger string) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementTrigger,
		map[string]string{"device_id": deviceID, "trigger": trigger},
		map[string]any{"count": 1},
		time.Now(),
	))
}

// WritePoint writes an arbitrary point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// capabilityFields maps a capability value to point fields.
func capabilityFields(value any) (map[string]any, bool) {
	if s, ok := value.(string); ok {
		return map[string]any{"text": s}, true
	}
	if f, ok := NumericValue(value); ok {
		return map[string]any{"value": f}, true
	}
	return nil, false
}

// NumericValue converts booleans and Go numeric types to float64.
func NumericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
