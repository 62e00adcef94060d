package device

import "context"

// MetricWriter is the subset of the InfluxDB client used for telemetry.
type MetricWriter interface {
	WriteCapability(deviceID, capability string, value any) bool
	WriteAvailability(deviceID string, available bool, reason string)
	WriteTrigger(deviceID, trigger string)
}

// MetricsObserver forwards store mutations to a time-series writer.
type MetricsObserver struct {
	writer MetricWriter
}

// NewMetricsObserver creates an observer writing through w.
func NewMetricsObserver(w MetricWriter) *MetricsObserver {
	return &MetricsObserver{writer: w}
}

// CapabilityChanged writes numeric, boolean and string values. Anything else
// (composite snapshot values) is skipped by the writer.
func (m *MetricsObserver) CapabilityChanged(_ context.Context, change CapabilityChange) {
	m.writer.WriteCapability(change.DeviceID, change.Capability, change.Value)
}

// TriggerFired counts trigger firings.
func (m *MetricsObserver) TriggerFired(_ context.Context, event TriggerEvent) {
	m.writer.WriteTrigger(event.DeviceID, event.Trigger)
}

// AvailabilityChanged records availability transitions.
func (m *MetricsObserver) AvailabilityChanged(_ context.Context, change AvailabilityChange) {
	m.writer.WriteAvailability(change.DeviceID, change.Available, change.Reason)
}
