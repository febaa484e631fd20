package gretun

import (
	"sync"
	"sync/atomic"
)

// ConnectionRegistry maps users to their live tunnel cancellers so a
// DisableUser control-plane command can terminate every connection
// belonging to that user (SPEC_FULL.md §4.3).
//
// Handle IDs are an explicit monotonic counter (Design Note "Registration
// by handle-identity"), never derived from a canceller's pointer identity:
// Go closures over channels don't alias the way a moved Rust broadcast
// sender would, but using a counter keeps the two implementations exactly
// analogous and sidesteps relying on func value identity, which the Go
// spec leaves unspecified for comparison purposes.
type ConnectionRegistry struct {
	mu      sync.Mutex
	byUser  map[uint64]map[uint64]func()
	counter uint64
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{byUser: make(map[uint64]map[uint64]func())}
}

// NextHandleID returns a fresh monotonic handle ID for a new tunnel.
func (r *ConnectionRegistry) NextHandleID() uint64 {
	return atomic.AddUint64(&r.counter, 1)
}

// Add registers a tunnel's cancel function under (userID, handleID).
func (r *ConnectionRegistry) Add(userID, handleID uint64, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[uint64]func())
		r.byUser[userID] = set
	}
	set[handleID] = cancel
}

// Remove deregisters a tunnel. Removing an already-removed or
// never-registered handle is a no-op, making it safe to call concurrently
// with KillUser on the same handles.
func (r *ConnectionRegistry) Remove(userID, handleID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(set, handleID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

// KillUser atomically extracts and removes every canceller registered for
// userID, returning them for the caller to invoke. After this call the
// registry holds zero entries for userID.
func (r *ConnectionRegistry) KillUser(userID uint64) []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	delete(r.byUser, userID)
	out := make([]func(), 0, len(set))
	for _, cancel := range set {
		out = append(out, cancel)
	}
	return out
}

// Shutdown atomically extracts every canceller in the registry, across all
// users, and empties it. Used on process shutdown.
func (r *ConnectionRegistry) Shutdown() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []func()
	for userID, set := range r.byUser {
		for _, cancel := range set {
			out = append(out, cancel)
		}
		delete(r.byUser, userID)
	}
	return out
}
