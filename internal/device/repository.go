package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/database"
)

const deviceColumns = `id, serial, name, status, last_seen_at, created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteRepository implements Store and LivenessRecorder using SQLite.
type SQLiteRepository struct {
	db *database.DB
}

var (
	_ Store            = (*SQLiteRepository)(nil)
	_ LivenessRecorder = (*SQLiteRepository)(nil)
)

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GenerateID returns a new store-assigned device id.
func GenerateID() string {
	return "dev-" + uuid.NewString()
}

// FindDevice resolves key as an id first, then as a serial.
func (r *SQLiteRepository) FindDevice(ctx context.Context, key string) (*Device, error) {
	return findDevice(ctx, r.db.DB, key)
}

func findDevice(ctx context.Context, q querier, key string) (*Device, error) {
	key = NormaliseSerial(key)
	if key == "" {
		return nil, ErrDeviceNotFound
	}
	row := q.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices
		  WHERE id = ? OR serial = ?
		  ORDER BY (id = ?) DESC
		  LIMIT 1`, key, key, key)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device %q: %w", key, err)
	}
	return d, nil
}

// UpsertDevice creates or updates the device with the given serial.
func (r *SQLiteRepository) UpsertDevice(ctx context.Context, serial string, u Upsert) (*Device, error) {
	return upsertDevice(ctx, r.db.DB, serial, u)
}

func upsertDevice(ctx context.Context, q querier, serial string, u Upsert) (*Device, error) {
	serial = NormaliseSerial(serial)
	if err := ValidateSerial(serial); err != nil {
		return nil, err
	}

	insertStatus, setStatus := StatusOffline, 0
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("upserting device %q: invalid status %q", serial, *u.Status)
		}
		insertStatus, setStatus = *u.Status, 1
	}
	var seenAt any
	if !u.SeenAt.IsZero() {
		seenAt = u.SeenAt.UTC().Format(audit.TimeFormat)
	}
	now := time.Now().UTC().Format(audit.TimeFormat)

	// last_seen_at takes the later of the stored and incoming values.
	_, err := q.ExecContext(ctx, `
		INSERT INTO devices (id, serial, name, status, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			status = CASE WHEN ? = 1 THEN excluded.status ELSE devices.status END,
			last_seen_at = CASE
				WHEN excluded.last_seen_at IS NULL THEN devices.last_seen_at
				WHEN devices.last_seen_at IS NULL THEN excluded.last_seen_at
				ELSE MAX(devices.last_seen_at, excluded.last_seen_at)
			END,
			updated_at = excluded.updated_at`,
		GenerateID(), serial, u.Name, string(insertStatus), seenAt, now, now,
		setStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device %q: %w", serial, err)
	}

	row := q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE serial = ?`, serial)
	d, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("reading upserted device %q: %w", serial, err)
	}
	return d, nil
}

// RecordLiveness upserts the device status and writes log in one transaction.
// log.DeviceID is filled from the resolved device.
func (r *SQLiteRepository) RecordLiveness(ctx context.Context, serial string, online bool, at time.Time, log *audit.Log) (*Device, error) {
	status := StatusFromLiveness(online)
	var d *Device
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = upsertDevice(ctx, tx, serial, Upsert{Status: &status, SeenAt: at})
		if err != nil {
			return err
		}
		log.DeviceID = d.ID
		return audit.InsertLog(ctx, tx, log)
	})
	if err != nil {
		return nil, fmt.Errorf("recording liveness for %q: %w", serial, err)
	}
	return d, nil
}

// List returns every device ordered by serial.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return queryDevices(ctx, r.db.DB, `SELECT `+deviceColumns+` FROM devices ORDER BY serial`)
}

func queryDevices(ctx context.Context, q querier, query string, args ...any) ([]Device, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func scanDevice(s rowScanner) (*Device, error) {
	var d Device
	var status, createdAt, updatedAt string
	var lastSeen sql.NullString

	if err := s.Scan(&d.ID, &d.Serial, &d.Name, &status, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)

	var err error
	if d.CreatedAt, err = audit.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = audit.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t, err := audit.ParseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		d.LastSeenAt = &t
	}
	return &d, nil
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
