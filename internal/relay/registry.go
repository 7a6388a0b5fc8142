// Package relay maps session ids to live subscriber connections and fans
// events out to them.
package relay

import (
	"sync"
)

// Subscriber is the transport-neutral handle the broadcaster writes to.
// Implementations must be comparable (pointer receivers) because the
// registry keys on the handle itself.
type Subscriber interface {
	// Send queues one serialized message. It must not block on the network.
	Send(msg []byte) error
	// Open reports whether the connection can still take messages.
	Open() bool
}

// Registry is the only shared mutable state of the relay. Each instance is
// independent; construct one per server (or per test).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[Subscriber]struct{}
	owner    map[Subscriber]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[Subscriber]struct{}),
		owner:    make(map[Subscriber]string),
	}
}

// Register adds sub to the session's set, creating the set if needed.
// Registering a handle that belongs to another session moves it.
func (r *Registry) Register(sessionID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owner[sub]; ok {
		if prev == sessionID {
			return
		}
		r.removeLocked(prev, sub)
	}

	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	r.owner[sub] = sessionID
}

// Unregister removes sub from the session and drops the session entry once
// it is empty. Unknown pairs are ignored. It reports whether anything was
// removed.
func (r *Registry) Unregister(sessionID string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner[sub] != sessionID {
		return false
	}
	r.removeLocked(sessionID, sub)
	return true
}

// removeLocked requires r.mu held for writing.
func (r *Registry) removeLocked(sessionID string, sub Subscriber) {
	delete(r.owner, sub)
	set := r.sessions[sessionID]
	delete(set, sub)
	if len(set) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Subscribers returns a snapshot of the session's subscribers; nil when it
// has none. The slice is the caller's to keep.
func (r *Registry) Subscribers(sessionID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) SubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) HasSession(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}
