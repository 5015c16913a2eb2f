// Package api implements the relay's HTTP surface.
//
// This package provides:
//   - The command entry points for single devices and device groups
//   - Read-only device, device log and command audit endpoints
//   - Health and runtime status endpoints
//   - The Prometheus scrape endpoint
//   - The realtime viewer websocket, mounted from package realtime
//   - Middleware stack (request ID, logging, metrics, recovery, CORS, JWT)
//
// # Security
//
// Every /api/v1 route except health and status requires a bearer token
// issued for the relay's JWT secret. The verified identity is stored on the
// request context; command routes additionally check the caller's role and
// device scope before anything is published.
//
// # Graceful Degradation
//
// The server keeps answering while the broker is down. Commands sent in
// that state are queued and acknowledged with queued=true, and health
// reports the broker as degraded.
package api
