// Package calls tracks calls that have been registered with the agent backend
// and are still in progress.
package calls

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is a registered in-flight call.
type Entry struct {
	// CallSID is the telephony platform's call identifier.
	CallSID string `json:"call_sid"`

	// BridgeID is the identifier the agent backend assigned at registration.
	BridgeID string `json:"bridge_id"`

	// RegisteredAt is when the registration succeeded.
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry maps call SIDs to the bridge identifiers assigned by the agent
// backend. It is safe for concurrent use by independent call sessions and
// webhook handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry // keyed by call SID
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty in-memory registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logger.With("subsystem", "calls"),
		now:     time.Now,
	}
}

// Put records the bridge identifier for a call. A second Put for the same
// call SID replaces the earlier entry.
func (r *Registry) Put(callSID, bridgeID string) {
	r.mu.Lock()
	r.entries[callSID] = Entry{
		CallSID:      callSID,
		BridgeID:     bridgeID,
		RegisteredAt: r.now(),
	}
	size := len(r.entries)
	r.mu.Unlock()

	r.logger.Debug("call registered",
		"call_sid", callSID,
		"bridge_id", bridgeID,
		"in_progress", size,
	)
}

// Get returns the bridge identifier for a call, if one is recorded.
func (r *Registry) Get(callSID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[callSID]
	return e.BridgeID, ok
}

// Remove deletes a call and returns the bridge identifier it held. Removing
// an unknown call SID is a no-op that reports false.
func (r *Registry) Remove(callSID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callSID]
	if !ok {
		return "", false
	}
	delete(r.entries, callSID)
	return e.BridgeID, true
}

// Size returns the number of calls currently in progress.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// GetActiveCallCount returns the number of in-flight calls. It satisfies the
// metrics collector's provider interface.
func (r *Registry) GetActiveCallCount() int {
	return r.Size()
}

// Snapshot returns a copy of all in-flight calls ordered by registration
// time, oldest first.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
