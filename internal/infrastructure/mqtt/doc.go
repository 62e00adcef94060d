// Package mqtt connects miio-bridge to the MQTT broker.
//
// The bridge publishes device state, capability values, trigger events,
// availability and its own health under the "miiobridge/" prefix, and listens
// for capability commands and settings updates from automation systems.
//
//	automation ↔ MQTT broker ↔ miio-bridge ↔ devices
//
// The client wraps paho.mqtt.golang. It reconnects on its own, restores
// tracked subscriptions after every reconnect and registers a Last Will on
// miiobridge/system/status so consumers notice a crashed bridge.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1, handleCommand)
//	err = client.PublishJSON(mqtt.Topics{}.Availability("plug-1"), msg, true)
package mqtt
