// Package device is the bridge's capability value store.
//
// Every configured device is registered once at startup and receives a
// Handle. The Handle is what the device supervisors talk to: it holds the
// declared capabilities and their last values, the per-device settings store,
// availability, and fires triggers. Every mutation is persisted to SQLite
// and fanned out to Observers (MQTT state publisher, WebSocket hub, InfluxDB
// metrics) after the write succeeds.
//
// Capability sets only grow: Add declares a capability discovered at runtime
// and nothing removes one while the device is registered.
//
// Availability calls are deduplicated. SetAvailable on an available device,
// or SetUnavailable with the reason already recorded, does nothing and
// notifies nobody.
//
// Usage:
//
//	reg := device.NewRegistry(device.NewSQLiteRepository(db.DB))
//	reg.AddObserver(publisher)
//
//	h, err := reg.Register(ctx, device.Seed{ID: "plug-1", Name: "Desk plug", Capabilities: []string{"onoff"}})
//	err = h.Set(device.WithSource(ctx, device.SourcePoll), "onoff", true)
package device
