package device

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/fleet-relay/internal/audit"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Repository is the persistence the Registry caches.
// *SQLiteRepository satisfies it.
type Repository interface {
	Store
	LivenessRecorder
	List(ctx context.Context) ([]Device, error)
}

// Registry is a write-through cache in front of a Repository.
//
// Lookups by id or serial are served from memory once a device has been
// seen; every write goes to the repository first and the cache takes the
// row the repository returned. RefreshCache loads the whole fleet, after
// which List no longer touches the repository.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	mu       sync.RWMutex
	byID     map[string]*Device
	bySerial map[string]string // serial -> id
	loaded   bool

	logger Logger
}

// NewRegistry creates a new device registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		byID:     make(map[string]*Device),
		bySerial: make(map[string]string),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*Device, len(devices))
	r.bySerial = make(map[string]string, len(devices))
	for i := range devices {
		r.storeLocked(&devices[i])
	}
	r.loaded = true

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// FindDevice resolves key as a device id or serial.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) FindDevice(ctx context.Context, key string) (*Device, error) {
	if d, ok := r.lookup(key); ok {
		return d, nil
	}

	d, err := r.repo.FindDevice(ctx, key)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d, nil
}

// UpsertDevice writes through to the repository and caches the result.
func (r *Registry) UpsertDevice(ctx context.Context, serial string, u Upsert) (*Device, error) {
	d, err := r.repo.UpsertDevice(ctx, serial, u)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d, nil
}

// RecordLiveness writes through to the repository and caches the result.
func (r *Registry) RecordLiveness(ctx context.Context, serial string, online bool, at time.Time, log *audit.Log) (*Device, error) {
	d, err := r.repo.RecordLiveness(ctx, serial, online, at, log)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d, nil
}

// ListGroupDevices is not cached; membership changes outside the relay.
func (r *Registry) ListGroupDevices(ctx context.Context, groupID string) ([]Device, error) {
	return r.repo.ListGroupDevices(ctx, groupID)
}

// List returns every device ordered by serial.
// Before RefreshCache has run it reads the repository.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	r.mu.RLock()
	if !r.loaded {
		r.mu.RUnlock()
		return r.repo.List(ctx)
	}
	devices := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		devices = append(devices, *d.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(devices, func(a, b Device) int { return cmp.Compare(a.Serial, b.Serial) })
	return devices, nil
}

// Stats counts cached devices by status.
type Stats struct {
	TotalDevices int
	Online       int
	Offline      int
}

// GetStats returns current registry statistics for monitoring.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalDevices: len(r.byID)}
	for _, d := range r.byID {
		if d.Online() {
			stats.Online++
		} else {
			stats.Offline++
		}
	}
	return stats
}

func (r *Registry) lookup(key string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[key]
	if !ok {
		var id string
		if id, ok = r.bySerial[NormaliseSerial(key)]; ok {
			d = r.byID[id]
		}
	}
	if d == nil {
		return nil, false
	}
	return d.clone(), true
}

func (r *Registry) store(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLocked(d)
}

// storeLocked keeps the newer of the cached and given rows, so writes that
// finish out of order cannot roll the cache back.
func (r *Registry) storeLocked(d *Device) {
	if cached, ok := r.byID[d.ID]; ok && cached.UpdatedAt.After(d.UpdatedAt) {
		return
	}
	r.byID[d.ID] = d.clone()
	r.bySerial[d.Serial] = d.ID
}

func (d *Device) clone() *Device {
	c := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}
