package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/ogzhanolguncu/peernet/protocol"
)

// State is a peer's position in its connection lifecycle.
type State int

const (
	Connecting State = iota
	Active
	Stale
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Connecting, Active, Stale, Closed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("peer: unknown state %q", text)
}

// Info is how a node is advertised by the bootstrap endpoint.
type Info struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Handle is one remote peer and the stream that reaches it. State and
// lastSeen belong to the Manager and are only touched under its lock.
type Handle struct {
	ID        string
	Addr      string
	Initiator string // node ID that dialed the stream

	connMu   sync.Mutex
	conn     protocol.Conn
	state    State
	lastSeen time.Time
	created  time.Time

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewHandle creates a handle in the connecting state. The stream is attached
// with Bind once the handshake completes.
func NewHandle(id, addr, initiator string, queueSize int) *Handle {
	assertions.Assert(id != "", "peer id cannot be empty")
	assertions.Assert(initiator != "", "initiator cannot be empty")
	assertions.AssertPositive(queueSize, "outbound queue size must be positive")

	now := time.Now()
	return &Handle{
		ID:        id,
		Addr:      addr,
		Initiator: initiator,
		state:     Connecting,
		lastSeen:  now,
		created:   now,
		out:       make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

// Bind attaches the handshaken stream. It must happen before Activate. If
// the handle was closed in the meantime, conn is closed too and Bind
// reports false.
func (h *Handle) Bind(conn protocol.Conn) bool {
	assertions.AssertNotNil(conn, "connection cannot be nil")

	h.connMu.Lock()
	defer h.connMu.Unlock()
	select {
	case <-h.done:
		conn.Close()
		return false
	default:
	}
	h.conn = conn
	return true
}

func (h *Handle) Conn() protocol.Conn {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.conn
}

// Enqueue queues a frame for the writer without blocking. It reports false
// when the queue is full or the handle has been closed.
func (h *Handle) Enqueue(frame []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.out <- frame:
		return true
	default:
		return false
	}
}

// Outbound is drained by the single writer goroutine of this handle.
func (h *Handle) Outbound() <-chan []byte {
	return h.out
}

// Done is closed when the handle is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close releases the stream. Safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if conn := h.Conn(); conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// preferred reports whether candidate should replace current for the same
// peer ID. Both ends apply the same rule, so they keep the same stream.
func preferred(candidate, current *Handle) bool {
	if current.state == Stale {
		return true
	}
	if candidate.Initiator != current.Initiator {
		return candidate.Initiator < current.Initiator
	}
	// Same side dialed twice: a fresh stream supersedes an established one,
	// never a dial still in flight.
	return current.state != Connecting
}
