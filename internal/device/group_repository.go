package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleet-relay/internal/audit"
)

// CreateGroup inserts a new device group. ID and CreatedAt are filled if empty.
// Returns ErrGroupExists if the id is taken.
func (r *SQLiteRepository) CreateGroup(ctx context.Context, group *Group) error {
	if group == nil || group.Name == "" {
		return errors.New("device group: name is required")
	}
	if group.ID == "" {
		group.ID = "grp-" + uuid.NewString()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_groups (id, name, created_at) VALUES (?, ?, ?)`,
		group.ID, group.Name, group.CreatedAt.UTC().Format(audit.TimeFormat))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("inserting device group: %w", err)
	}
	return nil
}

// AddGroupMember adds the device resolved by deviceKey to a group.
// Adding an existing member is a no-op.
func (r *SQLiteRepository) AddGroupMember(ctx context.Context, groupID, deviceKey string) error {
	if err := r.groupExists(ctx, groupID); err != nil {
		return err
	}
	d, err := r.FindDevice(ctx, deviceKey)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, device_id) VALUES (?, ?)`,
		groupID, d.ID); err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	return nil
}

// ListGroupDevices returns the devices in a group ordered by serial.
func (r *SQLiteRepository) ListGroupDevices(ctx context.Context, groupID string) ([]Device, error) {
	if err := r.groupExists(ctx, groupID); err != nil {
		return nil, err
	}
	return queryDevices(ctx, r.db.DB, `
		SELECT d.id, d.serial, d.name, d.status, d.last_seen_at, d.created_at, d.updated_at
		  FROM devices d
		  JOIN group_members m ON m.device_id = d.id
		 WHERE m.group_id = ?
		 ORDER BY d.serial`, groupID)
}

func (r *SQLiteRepository) groupExists(ctx context.Context, groupID string) error {
	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_groups WHERE id = ?`, groupID).Scan(&count); err != nil {
		return fmt.Errorf("checking device group exists: %w", err)
	}
	if count == 0 {
		return ErrGroupNotFound
	}
	return nil
}
