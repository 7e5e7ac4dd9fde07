// Package presence tracks which live connection belongs to which user.
package presence

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("presence")

// Conn is a live transport that can receive pushed frames.
type Conn interface {
	// ID identifies this connection; two connections of one user differ.
	ID() string
	Send(frame []byte) error
	Open() bool
}

// Registry maps a user identity to its single live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds userID to conn and returns the connection it replaced, if
// any. The replaced connection is not closed here.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if prev != nil {
		log.Debugw("presence replaced", "user", userID, "old_conn", prev.ID(), "new_conn", conn.ID())
	}
	return prev
}

// Lookup returns the connection registered for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	conn, ok := r.conns[userID]
	r.mu.RUnlock()
	return conn, ok
}

// Unregister removes the binding for userID only if conn is still the
// registered connection. It reports whether a binding was removed.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || cur.ID() != conn.ID() {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Online reports whether userID has a registered connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Len returns the number of users with a live connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
