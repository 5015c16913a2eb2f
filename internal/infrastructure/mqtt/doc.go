// Package mqtt owns the relay's connection to the MQTT broker.
//
// The Manager wraps paho.mqtt.golang with paho's auto-reconnect disabled
// and runs its own loop:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> (lost) DISCONNECTED
//
// Reconnect delays double from mqtt.reconnect.initial_delay up to
// max_delay and reset after every successful connect. A heartbeat every
// mqtt.heartbeat_interval compares paho's socket state with the Manager's
// own flag and forces a reconnect when they disagree.
//
// On every connect the Manager subscribes to device/+/status and
// device/+/lwt, publishes a retained online status on
// relay/{client_id}/status, then runs the OnConnected callbacks.
//
// Usage:
//
//	mgr, err := mqtt.NewManager(cfg.MQTT, mqtt.WithLogger(log))
//	if err != nil {
//	    return err // ErrInvalidConfig: fatal
//	}
//	mgr.OnConnected(publisher.Drain)
//	_ = mgr.Start(ctx)
//	for msg := range mgr.Messages() {
//	    ...
//	}
package mqtt
