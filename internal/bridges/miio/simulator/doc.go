// Package simulator provides an in-process miio device transport.
//
// A Device holds the simulated hardware state for one profile (plug, light,
// vacuum, humidifier2, airmonitor-b1). A Connector opens clients onto a
// Device, so state survives reconnects the way real hardware does. Connect
// failures, read failures and pushed events can be injected, which lets the
// bridge and its tests run without hardware.
package simulator
