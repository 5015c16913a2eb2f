package device

import (
	"context"
	"strings"
	"time"

	"github.com/nerrad567/fleet-relay/internal/audit"
)

// Store is the device persistence surface consumed by the relay.
type Store interface {
	// FindDevice resolves key as a device id or serial.
	// Returns ErrDeviceNotFound if neither matches.
	FindDevice(ctx context.Context, key string) (*Device, error)

	// UpsertDevice creates the device with the given serial if needed and
	// applies u. LastSeenAt never moves backwards.
	UpsertDevice(ctx context.Context, serial string, u Upsert) (*Device, error)

	// ListGroupDevices returns the members of a group.
	// Returns ErrGroupNotFound if the group does not exist.
	ListGroupDevices(ctx context.Context, groupID string) ([]Device, error)
}

// LivenessRecorder is implemented by stores that can write a liveness log
// entry and the matching status change in one transaction.
type LivenessRecorder interface {
	RecordLiveness(ctx context.Context, serial string, online bool, at time.Time, log *audit.Log) (*Device, error)
}

// ValidateSerial rejects serials that cannot be used as a topic segment.
func ValidateSerial(serial string) error {
	if serial == "" || strings.ContainsAny(serial, "/+#") {
		return ErrInvalidSerial
	}
	return nil
}
