package mqtt

import "strings"

// TopicPrefix is the root of every topic the bridge uses.
const TopicPrefix = "miiobridge"

// Topics builds topic strings. The zero value is ready to use.
//
//	miiobridge/state/{device}                 retained state snapshot
//	miiobridge/state/{device}/{capability}    retained capability value
//	miiobridge/trigger/{device}/{trigger}     trigger events
//	miiobridge/availability/{device}          retained availability
//	miiobridge/command/{device}               inbound capability commands
//	miiobridge/ack/{device}                   command acknowledgements
//	miiobridge/settings/{device}              inbound settings updates
//	miiobridge/health                         retained bridge health
//	miiobridge/system/status                  online/offline and LWT
type Topics struct{}

func join(parts ...string) string {
	return TopicPrefix + "/" + strings.Join(parts, "/")
}

// State returns the retained state snapshot topic for a device.
func (Topics) State(deviceID string) string { return join("state", deviceID) }

// CapabilityState returns the retained topic for one capability value.
func (Topics) CapabilityState(deviceID, capability string) string {
	return join("state", deviceID, capability)
}

// Trigger returns the topic a named trigger is published on.
func (Topics) Trigger(deviceID, trigger string) string { return join("trigger", deviceID, trigger) }

// Availability returns the retained availability topic for a device.
func (Topics) Availability(deviceID string) string { return join("availability", deviceID) }

// Command returns the inbound command topic for a device.
func (Topics) Command(deviceID string) string { return join("command", deviceID) }

// Ack returns the command acknowledgement topic for a device.
func (Topics) Ack(deviceID string) string { return join("ack", deviceID) }

// Settings returns the inbound settings topic for a device.
func (Topics) Settings(deviceID string) string { return join("settings", deviceID) }

// AllCommands matches the command topic of every device.
func (Topics) AllCommands() string { return join("command", "+") }

// AllSettings matches the settings topic of every device.
func (Topics) AllSettings() string { return join("settings", "+") }

// Health returns the bridge health topic.
func (Topics) Health() string { return join("health") }

// SystemStatus returns the bridge online/offline topic.
func (Topics) SystemStatus() string { return join("system", "status") }

// DeviceFromTopic extracts the device ID from a per-device topic such as
// miiobridge/command/plug-1. ok is false when topic is not of the given kind.
func DeviceFromTopic(topic, kind string) (deviceID string, ok bool) {
	rest, found := strings.CutPrefix(topic, join(kind)+"/")
	if !found || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
