package realtime

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultJoinInterval is the minimum spacing between room joins on one connection.
const DefaultJoinInterval = time.Second

// Registry holds device rooms and per-connection join limiters.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Members returns a copy; callers send without holding the lock.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[Conn]struct{}
	joined   map[Conn]map[string]struct{}
	limiters map[Conn]*rate.Limiter
	limit    rate.Limit
}

// NewRegistry creates an empty registry allowing one join per interval
// per connection, burst 1. A non-positive interval uses DefaultJoinInterval.
func NewRegistry(joinInterval time.Duration) *Registry {
	if joinInterval <= 0 {
		joinInterval = DefaultJoinInterval
	}
	return &Registry{
		rooms:    make(map[string]map[Conn]struct{}),
		joined:   make(map[Conn]map[string]struct{}),
		limiters: make(map[Conn]*rate.Limiter),
		limit:    rate.Every(joinInterval),
	}
}

// Register tracks c as connected. It returns false if c was already known.
func (r *Registry) Register(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.limiters[c]; ok {
		return false
	}
	r.limiters[c] = rate.NewLimiter(r.limit, 1)
	return true
}

// AllowJoin consumes a join token for c.
// Unregistered connections get a limiter on first use.
func (r *Registry) AllowJoin(c Conn) bool {
	r.mu.Lock()
	lim, ok := r.limiters[c]
	if !ok {
		lim = rate.NewLimiter(r.limit, 1)
		r.limiters[c] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Add puts c in serial's room. It returns false if c was already a member.
func (r *Registry) Add(c Conn, serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[serial]
	if !ok {
		room = make(map[Conn]struct{})
		r.rooms[serial] = room
	}
	if _, member := room[c]; member {
		return false
	}
	room[c] = struct{}{}

	set, ok := r.joined[c]
	if !ok {
		set = make(map[string]struct{})
		r.joined[c] = set
	}
	set[serial] = struct{}{}
	return true
}

// Remove takes c out of serial's room. It returns false if c was not a member.
func (r *Registry) Remove(c Conn, serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c, serial)
}

func (r *Registry) removeLocked(c Conn, serial string) bool {
	room, ok := r.rooms[serial]
	if !ok {
		return false
	}
	if _, member := room[c]; !member {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, serial)
	}
	if set, ok := r.joined[c]; ok {
		delete(set, serial)
		if len(set) == 0 {
			delete(r.joined, c)
		}
	}
	return true
}

// RemoveConn drops every membership and the limiter for c.
// It returns whether c was registered and the rooms it left.
func (r *Registry) RemoveConn(c Conn) (registered bool, rooms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, registered = r.limiters[c]
	delete(r.limiters, c)

	for serial := range r.joined[c] {
		rooms = append(rooms, serial)
	}
	for _, serial := range rooms {
		r.removeLocked(c, serial)
	}
	sort.Strings(rooms)
	return registered, rooms
}

// Members returns a snapshot of serial's room.
func (r *Registry) Members(serial string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[serial]
	if len(room) == 0 {
		return nil
	}
	members := make([]Conn, 0, len(room))
	for c := range room {
		members = append(members, c)
	}
	return members
}

// Rooms returns the serials c has joined, sorted.
func (r *Registry) Rooms(c Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.joined[c]))
	for serial := range r.joined[c] {
		rooms = append(rooms, serial)
	}
	sort.Strings(rooms)
	return rooms
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ConnCount returns the number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
