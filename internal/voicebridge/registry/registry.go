// Package registry tracks the live bridge of every call by call ID.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrRegistryConflict is logged when a call ID is registered while another
// handle still holds it.
var ErrRegistryConflict = errors.New("call already registered")

// ReasonReplaced is the end reason given to a handle displaced by Register.
const ReasonReplaced = "replaced"

// Handle is a live call that can be told to end.
type Handle interface {
	CallID() string

	// End asks the call to finish. It must not block on the registry.
	End(reason string)
}

// Registry maps call IDs to handles. It is safe for concurrent use.
type Registry[H Handle] struct {
	mu      sync.RWMutex
	entries map[string]H
	changed chan struct{} // closed and replaced whenever an entry is removed
	log     *slog.Logger
}

// New creates an empty registry.
func New[H Handle](logger *slog.Logger) *Registry[H] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[H]{
		entries: make(map[string]H),
		changed: make(chan struct{}),
		log:     logger,
	}
}

// Register stores h under callID. A different handle already registered
// under the same ID is replaced and ended with ReasonReplaced.
func (r *Registry[H]) Register(callID string, h H) {
	r.mu.Lock()
	old, exists := r.entries[callID]
	r.entries[callID] = h
	r.mu.Unlock()

	if exists && Handle(old) != Handle(h) {
		r.log.Warn("[Registry] Replacing live call", "call_id", callID, "error", ErrRegistryConflict)
		old.End(ReasonReplaced)
	}
}

// Unregister removes whatever is registered under callID.
func (r *Registry[H]) Unregister(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[callID]; ok {
		delete(r.entries, callID)
		r.notifyLocked()
	}
}

// Remove deletes callID only if it still maps to h.
func (r *Registry[H]) Remove(callID string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[callID]
	if !ok || Handle(cur) != Handle(h) {
		return false
	}
	delete(r.entries, callID)
	r.notifyLocked()
	return true
}

func (r *Registry[H]) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Lookup returns the handle for callID.
func (r *Registry[H]) Lookup(callID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[callID]
	return h, ok
}

// Count returns the number of registered calls.
func (r *Registry[H]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the registered handles ordered by call ID.
func (r *Registry[H]) Snapshot() []H {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	r.mu.RUnlock()
	return out
}

// EndAll ends every registered call and returns how many were asked.
func (r *Registry[H]) EndAll(reason string) int {
	handles := r.Snapshot()
	for _, h := range handles {
		h.End(reason)
	}
	if len(handles) > 0 {
		r.log.Info("[Registry] Ending all calls", "count", len(handles), "reason", reason)
	}
	return len(handles)
}

// Wait blocks until the registry is empty or ctx ends. It reports whether
// the registry drained.
func (r *Registry[H]) Wait(ctx context.Context) bool {
	for {
		r.mu.RLock()
		n := len(r.entries)
		changed := r.changed
		r.mu.RUnlock()
		if n == 0 {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
