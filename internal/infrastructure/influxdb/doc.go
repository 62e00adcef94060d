// Package influxdb records device telemetry in InfluxDB v2.
//
// Every capability change that carries a number or a boolean becomes a point
// in the "capability" measurement, tagged with the device and capability.
// Availability flips and trigger firings are recorded alongside so outages
// can be correlated with the telemetry gap they cause.
//
// Writes go through the non-blocking batched WriteAPI; failures surface
// asynchronously through the callback set with SetOnError. InfluxDB is
// optional: Connect returns ErrDisabled when the section is turned off.
package influxdb
