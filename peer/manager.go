package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
)

// Snapshot is a point-in-time copy of one handle's bookkeeping.
type Snapshot struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Initiator string    `json:"initiator"`
	State     State     `json:"state"`
	LastSeen  time.Time `json:"last_seen"`
}

// Manager owns the peer set. A handle leaving the set is always marked
// Closed, so the set never holds a closed entry.
type Manager struct {
	peers      map[string]*Handle
	mu         sync.RWMutex
	staleAfter time.Duration
	closeAfter time.Duration
}

func NewManager(staleAfter, closeAfter time.Duration) *Manager {
	assertions.AssertPositive(staleAfter, "staleAfter must be positive")
	assertions.Assert(closeAfter > staleAfter, "closeAfter must exceed staleAfter")

	pm := &Manager{
		peers:      make(map[string]*Handle),
		staleAfter: staleAfter,
		closeAfter: closeAfter,
	}

	assertions.AssertNotNil(pm.peers, "peers map must be initialized")
	return pm
}

// Reserve inserts a connecting placeholder ahead of a dial. It returns false
// if the peer is already known, in which case the caller should not dial.
func (pm *Manager) Reserve(h *Handle) bool {
	assertions.AssertNotNil(h, "handle cannot be nil")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.peers[h.ID]; exists {
		return false
	}
	h.state = Connecting
	pm.peers[h.ID] = h
	return true
}

// Activate installs a handshaken handle as active. When another handle for
// the same peer is present, the duplicate rule picks one; the loser is
// returned as evicted (already removed) or reported with ok == false. Closing
// the loser is the caller's job.
func (pm *Manager) Activate(h *Handle) (evicted *Handle, ok bool) {
	assertions.AssertNotNil(h, "handle cannot be nil")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	current, exists := pm.peers[h.ID]

	select {
	case <-h.done:
		// Evicted or cleared while the handshake was in flight.
		if exists && current == h {
			delete(pm.peers, h.ID)
		}
		h.state = Closed
		return nil, false
	default:
	}
	assertions.AssertNotNil(h.Conn(), "handle must be bound before activation")

	switch {
	case !exists, current == h:
	case preferred(h, current):
		current.state = Closed
		evicted = current
	default:
		return nil, false
	}

	h.state = Active
	h.lastSeen = time.Now()
	pm.peers[h.ID] = h

	assertions.Assert(pm.peers[h.ID] == h, "peer must exist after activation")
	return evicted, true
}

// Remove drops h if it is still the handle registered for its ID.
func (pm *Manager) Remove(h *Handle) bool {
	assertions.AssertNotNil(h, "handle cannot be nil")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if current, exists := pm.peers[h.ID]; exists && current == h {
		delete(pm.peers, h.ID)
		h.state = Closed
		return true
	}
	return false
}

// Touch records traffic from a peer. It reports true when the peer came
// back from stale.
func (pm *Manager) Touch(id string) bool {
	assertions.Assert(id != "", "peer id cannot be empty")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	h, exists := pm.peers[id]
	if !exists || h.state == Connecting {
		return false
	}
	h.lastSeen = time.Now()
	if h.state == Stale {
		h.state = Active
		return true
	}
	return false
}

// MarkStale moves h to stale ahead of the sweep, e.g. when its stream broke.
func (pm *Manager) MarkStale(h *Handle) bool {
	assertions.AssertNotNil(h, "handle cannot be nil")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if current, exists := pm.peers[h.ID]; exists && current == h && h.state == Active {
		h.state = Stale
		return true
	}
	return false
}

// Sweep applies the liveness rules at now: active peers silent for longer
// than staleAfter become stale, any peer silent for longer than closeAfter is
// removed. Removed handles are returned for the caller to close.
func (pm *Manager) Sweep(now time.Time) (staled, closed []*Handle) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for id, h := range pm.peers {
		silence := now.Sub(h.lastSeen)
		switch {
		case silence > pm.closeAfter:
			delete(pm.peers, id)
			h.state = Closed
			closed = append(closed, h)
		case h.state == Active && silence > pm.staleAfter:
			h.state = Stale
			staled = append(staled, h)
		}
	}
	return staled, closed
}

// Clear empties the set and returns every handle for closing.
func (pm *Manager) Clear() []*Handle {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	handles := make([]*Handle, 0, len(pm.peers))
	for _, h := range pm.peers {
		h.state = Closed
		handles = append(handles, h)
	}
	clear(pm.peers)

	assertions.AssertEqual(len(pm.peers), 0, "peers should be empty after clear")
	return handles
}

// Get returns the handle for id when it has a usable stream (active or stale).
func (pm *Manager) Get(id string) (*Handle, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	h, exists := pm.peers[id]
	if !exists || h.state == Connecting {
		return nil, false
	}
	return h, true
}

// Has reports whether id is in the set in any state.
func (pm *Manager) Has(id string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	_, exists := pm.peers[id]
	return exists
}

// State returns the lifecycle state of id.
func (pm *Manager) State(id string) (State, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	h, exists := pm.peers[id]
	if !exists {
		return Closed, false
	}
	return h.state, true
}

// Active returns the handles currently in the active state.
func (pm *Manager) Active() []*Handle {
	return pm.filter(func(h *Handle) bool { return h.state == Active })
}

// Reachable returns active and stale handles; heartbeats go to both so a
// stale peer can still hear from us.
func (pm *Manager) Reachable() []*Handle {
	return pm.filter(func(h *Handle) bool { return h.state == Active || h.state == Stale })
}

func (pm *Manager) filter(keep func(*Handle) bool) []*Handle {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	handles := make([]*Handle, 0, len(pm.peers))
	for _, h := range pm.peers {
		if keep(h) {
			handles = append(handles, h)
		}
	}
	return handles
}

// Count is |peers|, connecting entries included.
func (pm *Manager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// Snapshot lists every handle sorted by ID.
func (pm *Manager) Snapshot() []Snapshot {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]Snapshot, 0, len(pm.peers))
	for _, h := range pm.peers {
		out = append(out, Snapshot{
			ID:        h.ID,
			Addr:      h.Addr,
			Initiator: h.Initiator,
			State:     h.state,
			LastSeen:  h.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
