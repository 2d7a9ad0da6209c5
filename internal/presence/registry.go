package presence

import (
	"sync"

	"casebook/api/internal/auth"
)

// Registry maps live connections to the identity they authenticated as.
type Registry struct {
	mu      sync.RWMutex
	conns   map[*Conn]auth.Identity
	tracker *Tracker
	metrics *Metrics
}

func NewRegistry(tracker *Tracker, metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[*Conn]auth.Identity),
		tracker: tracker,
		metrics: metrics,
	}
}

// Register records identity for conn. Registering the same connection again
// replaces its identity.
func (r *Registry) Register(conn *Conn, identity auth.Identity) {
	r.mu.Lock()
	_, existed := r.conns[conn]
	r.conns[conn] = identity
	r.mu.Unlock()
	if !existed {
		r.metrics.connectionOpened()
	}
}

// Unregister forgets conn and removes every editing session its user holds,
// on all reports. It returns false if conn was not registered.
func (r *Registry) Unregister(conn *Conn) bool {
	r.mu.Lock()
	identity, ok := r.conns[conn]
	delete(r.conns, conn)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.metrics.connectionClosed()
	if r.tracker != nil && identity.UserID != "" {
		r.tracker.RemoveUser(identity.UserID)
	}
	return true
}

func (r *Registry) Lookup(conn *Conn) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.conns[conn]
	return identity, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Each calls fn for every registered connection while holding the read lock.
// fn must not call Register or Unregister.
func (r *Registry) Each(fn func(*Conn, auth.Identity)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn, identity := range r.conns {
		fn(conn, identity)
	}
}

// CloseAll closes every registered connection with the given frame. The
// connections unregister themselves as their read loops exit.
func (r *Registry) CloseAll(code int, reason string) int {
	n := 0
	r.Each(func(conn *Conn, _ auth.Identity) {
		if conn.Close(code, reason) {
			n++
		}
	})
	return n
}
