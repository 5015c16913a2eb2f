// Package command relays outbound device commands to the broker.
//
// A command is resolved against the record store, audited, and then either
// published with bounded exponential-backoff retry or, while the broker is
// unreachable, held in a capped in-memory FIFO queue. The queue is drained
// in order on every reconnect.
//
// Every outcome (queued, published, failed, dropped) is echoed to the
// device's realtime room with the issuing user attached.
//
// Delivery is at-least-once from the relay's point of view: a publish the
// broker acknowledged is never retried, but a command queued across a
// reconnect may reach a device that already acted on an earlier attempt.
//
// Usage:
//
//	pub := command.NewPublisher(manager, devices, logs, gateway, cfg.Command)
//	manager.OnConnected(pub.Drain)
//
//	payload, _ := command.ParsePayload("REBOOT")
//	ack, err := pub.Send(ctx, "D2", payload, userID)
package command
