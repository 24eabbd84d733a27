package gateway

import (
	"strings"
	"sync"
	"time"

	"SignGate/tools/errs"
)

const deviceRoomPrefix = "device:"

// Registry holds every live connection and the room membership of each. One
// lock guards both, so removing a connection and purging its rooms is a
// single step.
type Registry struct {
	mu  sync.RWMutex
	max int

	conns    map[string]*Conn
	rooms    map[string]map[string]struct{} // room -> conn ids
	memberOf map[string]map[string]struct{} // conn id -> rooms
}

// NewRegistry returns a registry that refuses connections beyond max.
// max <= 0 disables the ceiling.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:      max,
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]struct{}),
		memberOf: make(map[string]map[string]struct{}),
	}
}

// Register adds c, re-checking the ceiling under the write lock. A connection
// that already carries a device id joins that device's room in the same step.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.conns) >= r.max {
		return errs.ErrCapacityExceeded.WrapMsg("registry full", "max", r.max)
	}
	if _, exists := r.conns[c.ID]; exists {
		return errs.ErrInvalidEvent.WrapMsg("duplicate connection id", "conn_id", c.ID)
	}
	r.conns[c.ID] = c
	if dev := c.DeviceID(); dev != "" {
		r.joinLocked(c.ID, DeviceRoom(dev))
	}
	return nil
}

// Touch refreshes the activity timestamp; false if id is unknown.
func (r *Registry) Touch(id string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.touch(time.Now())
	return true
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove deletes id and all of its memberships. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (*Conn, bool) {
	c, _, ok := r.remove(id)
	return c, ok
}

// remove also reports the rooms that became empty.
func (r *Registry) remove(id string) (*Conn, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, nil, false
	}
	delete(r.conns, id)

	var emptied []string
	for room := range r.memberOf[id] {
		if r.leaveLocked(id, room) {
			emptied = append(emptied, room)
		}
	}
	delete(r.memberOf, id)
	return c, emptied, true
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the live connections at this instant.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Join adds id to room. It fails for unknown connections.
func (r *Registry) Join(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return errs.ErrConnNotFound.WrapMsg("join", "conn_id", id, "room", room)
	}
	r.joinLocked(id, room)
	return nil
}

// JoinDevice records the device identity on the connection and moves it into
// device:<deviceID>, leaving any other device room. It returns the rooms that
// became empty as a result.
func (r *Registry) JoinDevice(id, deviceID string, t DeviceType) (string, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return "", nil, errs.ErrConnNotFound.WrapMsg("join device", "conn_id", id)
	}
	target := DeviceRoom(deviceID)

	var emptied []string
	for room := range r.memberOf[id] {
		if room != target && strings.HasPrefix(room, deviceRoomPrefix) {
			if r.leaveLocked(id, room) {
				emptied = append(emptied, room)
			}
		}
	}
	c.setDevice(deviceID, t)
	r.joinLocked(id, target)
	return target, emptied, nil
}

// Members returns the connections currently in room.
func (r *Registry) Members(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.rooms[room]
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// HasMembers reports whether room has at least one member.
func (r *Registry) HasMembers(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room]) > 0
}

// Rooms lists the rooms id belongs to.
func (r *Registry) Rooms(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.memberOf[id]))
	for room := range r.memberOf[id] {
		out = append(out, room)
	}
	return out
}

// RoomCount is the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) joinLocked(id, room string) {
	m := r.rooms[room]
	if m == nil {
		m = make(map[string]struct{})
		r.rooms[room] = m
	}
	m[id] = struct{}{}

	mine := r.memberOf[id]
	if mine == nil {
		mine = make(map[string]struct{})
		r.memberOf[id] = mine
	}
	mine[room] = struct{}{}
}

func (r *Registry) leaveLocked(id, room string) bool {
	if mine := r.memberOf[id]; mine != nil {
		delete(mine, room)
	}
	m := r.rooms[room]
	if m == nil {
		return false
	}
	if _, ok := m[id]; !ok {
		return false
	}
	delete(m, id)
	if len(m) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}
