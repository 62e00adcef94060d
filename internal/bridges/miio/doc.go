// Package miio supervises intermittently reachable miio WiFi devices.
//
// Each configured device gets a Supervisor that owns the device client for
// its whole registration: it connects with tiered backoff, polls on a fixed
// interval, consumes pushed events, and periodically throws the client away
// and reconnects to clear stuck transport state.
//
// # Architecture
//
//	           ┌────────────┐  events  ┌────────────┐
//	Connector ─► Supervisor ├─────────►│ Dispatcher │──┐
//	           └─────┬──────┘          └────────────┘  │
//	                 │ timers                          ▼
//	           ┌─────▼──────┐   readings   ┌──────────────────┐   ┌───────┐
//	           │   Poller   ├─────────────►│ Translator/Rules ├──►│ Sync  ├──► Store
//	           └────────────┘              └──────────────────┘   └───────┘
//
// Poll readings and pushed events share one translate and synchronize path,
// so both sources converge on the same canonical capability values. The
// Synchronizer only writes values that differ from what the Store holds and
// never writes null values.
//
// # Device Families
//
// Family specific rules (cleaning robots, the humidifier2 power estimate and
// the cgllc.airmonitor.b1 aggregate query) live in a registry keyed by family
// ID. The registry is resolved once per connect into a Plan together with the
// tags the client supports.
//
// # Timers
//
// Every supervisor owns at most one timer per kind (poll, refresh, reconnect,
// snapshot). Arming a kind always stops the previous timer of that kind.
//
// # MQTT Topics
//
//	miiobridge/state/{device}                retained device snapshot
//	miiobridge/state/{device}/{capability}   retained capability value
//	miiobridge/trigger/{device}/{trigger}    trigger events
//	miiobridge/availability/{device}         retained availability
//	miiobridge/command/{device}              inbound capability commands
//	miiobridge/ack/{device}                  command acknowledgements
//	miiobridge/settings/{device}             inbound settings updates
//	miiobridge/health                        retained bridge health
package miio
