package mqtt

import (
	"errors"
	"fmt"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidConfig is returned by NewManager when the broker endpoint is
	// missing or malformed. It is fatal; nothing is retried.
	ErrInvalidConfig = errors.New("mqtt: invalid configuration")

	// ErrNotConnected is returned when publishing while the link is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connect attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when the broker rejects or drops a publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or invalid topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("mqtt: manager already started")
)

// PublishError describes a transport-level publish failure.
// Err wraps ErrNotConnected, ErrPublishFailed or ErrTimeout.
type PublishError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mqtt: publish to %s: %s", e.Topic, e.Reason)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Disconnected reports whether the failure was caused by the link being down,
// as opposed to the broker refusing or timing out an individual publish.
func (e *PublishError) Disconnected() bool {
	return errors.Is(e.Err, ErrNotConnected)
}
