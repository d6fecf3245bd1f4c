package realtime

import (
	"sort"
	"sync"
)

// Presence tracks which users currently hold open connections. A user is
// online iff their connection set is non-empty; multi-device users stay
// online until the last connection drops. All state is in-memory and
// process-local.
type Presence struct {
	mu    sync.Mutex
	conns map[int64]map[string]struct{} // userID -> set of connection IDs
}

// NewPresence constructs an empty registry.
func NewPresence() *Presence {
	return &Presence{conns: make(map[int64]map[string]struct{})}
}

// Add registers a connection for the user. Returns true when this is the
// user's first connection, i.e. the user just transitioned online.
func (p *Presence) Add(userID int64, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.conns[userID]
	if set == nil {
		set = make(map[string]struct{})
		p.conns[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1
}

// Remove drops a connection for the user. Returns true when this was the
// user's last connection, i.e. the user just transitioned offline.
// Removing an unknown connection is a no-op.
func (p *Presence) Remove(userID int64, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.conns[userID]
	if set == nil {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.conns, userID)
		return true
	}
	return false
}

// OnlineUsers returns a point-in-time snapshot of online user IDs, sorted
// ascending. The returned slice is a copy; callers may broadcast it
// without racing registry mutation.
func (p *Presence) OnlineUsers() []int64 {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
