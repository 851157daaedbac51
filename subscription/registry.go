package subscription

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultBuffer = 64

// ErrUnknownConnection is returned for a connection the registry no longer
// tracks, usually because it already disconnected.
var ErrUnknownConnection = errors.New("unknown connection")

// Event is one named payload delivered to a connection.
type Event struct {
	Name string
	Data []byte
}

// Conn is the registry's handle for one live subscriber. Its lifetime ends
// with Registry.Disconnect.
type Conn struct {
	id      string
	out     chan Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func (c *Conn) ID() string { return c.id }

// Events yields broadcasts in the order they were issued.
func (c *Conn) Events() <-chan Event { return c.out }

// Done is closed once the connection has been disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dropped counts events discarded because the outbound buffer was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

func (c *Conn) send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Registry maps rooms to their currently joined connections.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[*Conn]struct{}
	joined map[*Conn]map[string]struct{}
	buffer int
	log    *log.Logger
}

func NewRegistry(buffer int, logger *log.Logger) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[*Conn]struct{}),
		joined: make(map[*Conn]map[string]struct{}),
		buffer: buffer,
		log:    logger,
	}
}

// Connect registers a new connection that belongs to no room yet.
func (r *Registry) Connect() *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		out:  make(chan Event, r.buffer),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.conns[c.id] = c
	r.joined[c] = make(map[string]struct{})
	r.mu.Unlock()
	r.log.WithField("conn", c.id).Debug("connection opened")
	return c
}

// Lookup resolves a connection id.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Join adds the connection to room. Joining twice is the same as joining once.
// Only broadcasts issued after Join returns are delivered.
func (r *Registry) Join(c *Conn, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.joined[c]
	if !ok {
		return ErrUnknownConnection
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	rooms[room] = struct{}{}
	r.log.WithFields(log.Fields{"conn": c.id, "room": room}).Debug("joined room")
	return nil
}

// Leave removes the connection from room. Leaving a room the connection is
// not in does nothing.
func (r *Registry) Leave(c *Conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, room)
}

func (r *Registry) leaveLocked(c *Conn, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.joined[c]; ok {
		delete(rooms, room)
	}
}

// Disconnect removes the connection from every room and closes Done. It is
// safe to call more than once.
func (r *Registry) Disconnect(c *Conn) {
	r.mu.Lock()
	if rooms, ok := r.joined[c]; ok {
		for room := range rooms {
			r.leaveLocked(c, room)
		}
		delete(r.joined, c)
		delete(r.conns, c.id)
	}
	r.mu.Unlock()
	c.once.Do(func() {
		close(c.done)
		r.log.WithFields(log.Fields{"conn": c.id, "dropped": c.Dropped()}).Debug("connection closed")
	})
}

// Broadcast delivers the event to the members of room at the time of the
// call and returns how many accepted it. Delivery happens outside the lock.
func (r *Registry) Broadcast(room, event string, payload []byte) int {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		members = append(members, c)
	}
	r.mu.RUnlock()

	ev := Event{Name: event, Data: payload}
	delivered := 0
	for _, c := range members {
		if c.send(ev) {
			delivered++
			continue
		}
		r.log.WithFields(log.Fields{"conn": c.id, "room": room, "event": event}).Warn("event dropped for slow or closed connection")
	}
	return delivered
}

// Members returns the ids of the connections currently in room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		ids = append(ids, c.id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Rooms returns the rooms the connection has joined.
func (r *Registry) Rooms(c *Conn) []string {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.joined[c]))
	for room := range r.joined[c] {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Size reports the number of open connections and non-empty rooms.
func (r *Registry) Size() (conns, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.rooms)
}
