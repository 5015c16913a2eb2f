// Package relay runs the inbound pipeline: broker messages are decoded,
// summarised and applied to device state on a single goroutine, which keeps
// per-device ordering intact.
package relay
