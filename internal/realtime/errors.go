package realtime

import "errors"

// Sentinel errors for viewer operations.
var (
	// ErrUnauthenticated means the connection has no verified identity.
	// The connection is closed.
	ErrUnauthenticated = errors.New("realtime: unauthenticated")

	// ErrForbidden means the viewer may not watch the requested device.
	ErrForbidden = errors.New("realtime: forbidden")

	// ErrRateLimited means the connection is joining rooms too quickly.
	ErrRateLimited = errors.New("realtime: join rate limited")

	// ErrInvalidDevice means the requested device id cannot name a room.
	ErrInvalidDevice = errors.New("realtime: invalid device id")

	// ErrConnClosed is returned by Send after the connection closed.
	ErrConnClosed = errors.New("realtime: connection closed")

	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	ErrSlowConsumer = errors.New("realtime: send buffer full")
)

// errorCode maps a join failure to the code reported to the client.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidDevice):
		return "invalid_device"
	default:
		return "internal_error"
	}
}
