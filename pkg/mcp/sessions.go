package mcp

import (
	"sort"
	"sync"
)

// AllWorkflows subscribes a session to every workflow's events.
const AllWorkflows = "*"

// WatchRegistry maps workflow IDs to the MCP sessions watching them.
// Populated by the nurture.watch tool; pruned when a session disconnects.
type WatchRegistry struct {
	mu      sync.RWMutex
	watches map[string]map[string]struct{} // workflowID → sessionIDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watches: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to workflowID. Watching twice is a no-op.
func (r *WatchRegistry) Watch(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watches[workflowID]
	if !ok {
		set = make(map[string]struct{})
		r.watches[workflowID] = set
	}
	set[sessionID] = struct{}{}
}

// Unwatch removes one subscription.
func (r *WatchRegistry) Unwatch(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.watches[workflowID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watches, workflowID)
		}
	}
}

// SessionsFor returns the sessions that should see workflowID's events,
// including those watching all workflows, sorted and without duplicates.
func (r *WatchRegistry) SessionsFor(workflowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, key := range []string{workflowID, AllWorkflows} {
		for sid := range r.watches[key] {
			seen[sid] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove deletes every subscription of sessionID.
// Called when a session disconnects.
func (r *WatchRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, set := range r.watches {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watches, wid)
		}
	}
}
