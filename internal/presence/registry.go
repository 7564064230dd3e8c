// Package presence tracks which users currently hold a live connection. The
// Registry is the single source of truth for "who is online" and for which
// connection handle belongs to which user.
package presence

import (
	"sort"
	"sync"
)

// Identity is the stable, authenticated identity of a user. It is resolved
// once per connection and never re-derived from client payloads.
type Identity struct {
	ID          string
	DisplayName string
	AvatarRef   string // optional upstream avatar URL
}

// HasAvatar reports whether the identity carries an avatar reference.
func (id Identity) HasAvatar() bool {
	return id.AvatarRef != ""
}

// Conn is an opaque handle to a specific live transport connection.
type Conn interface {
	// ID uniquely identifies the connection, not the user.
	ID() string
	// Send enqueues a frame without blocking. It returns false when the frame
	// was not accepted (queue full or connection closed).
	Send(data []byte) bool
	Close() error
}

// Entry binds a user identity to the connection that registered it.
type Entry struct {
	Identity
	Conn Conn
}

// Registry maps user ids to their live connection. At most one entry exists
// per user id. All operations run under a single mutex so an observer never
// sees a half-applied register or unregister.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry // user_id -> Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register inserts the entry for id.ID, replacing any existing one. The
// replaced entry is returned (nil if the user was not online) so the caller
// can decide what to do with the superseded connection.
func (r *Registry) Register(id Identity, c Conn) *Entry {
	e := &Entry{Identity: id, Conn: c}

	r.mu.Lock()
	prev := r.entries[id.ID]
	r.entries[id.ID] = e
	r.mu.Unlock()

	return prev
}

// Unregister removes the entry for userID regardless of which connection
// owns it. Returns false if no entry existed.
func (r *Registry) Unregister(userID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	delete(r.entries, userID)
	return e, true
}

// UnregisterConn removes the entry for userID only if it still references the
// connection connID. A late disconnect from a superseded connection therefore
// cannot evict the newer one.
func (r *Registry) UnregisterConn(userID, connID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.Conn.ID() != connID {
		return nil, false
	}
	delete(r.entries, userID)
	return e, true
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Get returns a copy of the entry for userID.
func (r *Registry) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()

	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every online identity except excludingUserID, ordered by
// user id.
func (r *Registry) Snapshot(excludingUserID string) []Identity {
	r.mu.RLock()
	ids := make([]Identity, 0, len(r.entries))
	for userID, e := range r.entries {
		if userID == excludingUserID {
			continue
		}
		ids = append(ids, e.Identity)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids
}

// Conns returns the connections of every online user except excludingUserID.
// Pass "" to include everyone. The slice is safe to iterate without the lock.
func (r *Registry) Conns(excludingUserID string) []Conn {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.entries))
	for userID, e := range r.entries {
		if excludingUserID != "" && userID == excludingUserID {
			continue
		}
		conns = append(conns, e.Conn)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}
