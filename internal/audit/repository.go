package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps lexical and chronological order identical.
const TimeFormat = "2006-01-02T15:04:05.000Z"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store is the audit persistence surface consumed by the relay.
type Store interface {
	// CreateLog appends a device log entry. ID and CreatedAt are filled if empty.
	CreateLog(ctx context.Context, log *Log) error

	// CreateCommand writes the audit record for a new command.
	CreateCommand(ctx context.Context, cmd *CommandRecord) error

	// UpdateCommandStatus records a status transition.
	// Returns ErrCommandNotFound if the command id does not exist.
	UpdateCommandStatus(ctx context.Context, id string, update StatusUpdate) error
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteRepository stores device logs and command records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// NewLogID returns a fresh device log id.
func NewLogID() string {
	return "log-" + uuid.NewString()
}

// CreateLog inserts a device log entry.
func (r *SQLiteRepository) CreateLog(ctx context.Context, log *Log) error {
	return InsertLog(ctx, r.db, log)
}

// InsertLog writes log through ex so callers can include it in a wider transaction.
func InsertLog(ctx context.Context, ex Execer, log *Log) error {
	if log.ID == "" {
		log.ID = NewLogID()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO device_logs (id, device_id, event_type, command, payload, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.DeviceID, string(log.EventType),
		nullableString(log.Command), nullableString(log.Payload), nullableString(log.UserID),
		log.CreatedAt.UTC().Format(TimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting device log: %w", err)
	}
	return nil
}

// CreateCommand inserts a command record. CreatedAt and UpdatedAt are filled if empty.
func (r *SQLiteRepository) CreateCommand(ctx context.Context, cmd *CommandRecord) error {
	if cmd.ID == "" {
		return errors.New("audit: command id is required")
	}
	if cmd.Status == "" {
		cmd.Status = CommandSent
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if cmd.UpdatedAt.IsZero() {
		cmd.UpdatedAt = cmd.CreatedAt
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_commands
		   (id, device_id, topic, label, payload, status, issued_by, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.DeviceID, cmd.Topic, cmd.Label, cmd.Payload, string(cmd.Status),
		nullableString(cmd.IssuedBy), cmd.Attempts, nullableString(cmd.LastError),
		cmd.CreatedAt.UTC().Format(TimeFormat), cmd.UpdatedAt.UTC().Format(TimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}
	return nil
}

// UpdateCommandStatus moves a command to a new status.
func (r *SQLiteRepository) UpdateCommandStatus(ctx context.Context, id string, update StatusUpdate) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_commands
		    SET status = ?, attempts = MAX(attempts, ?), last_error = ?, updated_at = ?
		  WHERE id = ?`,
		string(update.Status), update.Attempts, nullableString(update.LastError),
		time.Now().UTC().Format(TimeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	if n == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// GetCommand returns a command record by id.
func (r *SQLiteRepository) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, device_id, topic, label, payload, status, issued_by, attempts, last_error, created_at, updated_at
		   FROM device_commands WHERE id = ?`, id)

	var cmd CommandRecord
	var status, createdAt, updatedAt string
	var issuedBy, lastError sql.NullString
	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Topic, &cmd.Label, &cmd.Payload, &status,
		&issuedBy, &cmd.Attempts, &lastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	cmd.Status = CommandStatus(status)
	cmd.IssuedBy = issuedBy.String
	cmd.LastError = lastError.String
	if cmd.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if cmd.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ListLogs returns device logs matching the filter, most recent first.
func (r *SQLiteRepository) ListLogs(ctx context.Context, filter Filter) ([]Log, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, device_id, event_type, command, payload, user_id, created_at
		   FROM device_logs %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, where)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		var eventType, createdAt string
		var command, payload, userID sql.NullString
		if err := rows.Scan(&l.ID, &l.DeviceID, &eventType, &command, &payload, &userID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device log: %w", err)
		}
		l.EventType = EventType(eventType)
		l.Command = command.String
		l.Payload = payload.String
		l.UserID = userID.String
		if l.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device logs: %w", err)
	}
	return logs, nil
}

// ParseTime parses a timestamp written with TimeFormat, falling back to RFC 3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// nullableString returns nil for empty strings so TEXT columns store NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
