package command

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when the offline queue is at capacity and the
	// overflow policy is reject_newest.
	ErrQueueFull = errors.New("command: queue full")

	// ErrPublishExhausted is returned when every retry attempt failed while
	// the broker stayed connected.
	ErrPublishExhausted = errors.New("command: publish retries exhausted")

	// ErrInvalidPayload is returned by ParsePayload for empty or unsupported input.
	ErrInvalidPayload = errors.New("command: invalid payload")
)

// PersistenceError reports an audit write that failed. It is advisory:
// the command was still published or queued.
type PersistenceError struct {
	CommandID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("command: %s for %s: %v", e.Op, e.CommandID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
