package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ogzhanolguncu/peernet/assertions"
)

// MemoryNetwork connects MemoryTransports inside one process. Streams are
// net.Pipe pairs, so they keep per-stream ordering and honour deadlines.
type MemoryNetwork struct {
	mu              sync.RWMutex
	transports      map[string]*MemoryTransport
	partitionedFrom map[string]map[string]bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports:      make(map[string]*MemoryTransport),
		partitionedFrom: make(map[string]map[string]bool),
	}
}

// Transport creates an endpoint reachable at addr once Listen is called.
func (mn *MemoryNetwork) Transport(addr string) *MemoryTransport {
	assertions.Assert(addr != "", "transport address cannot be empty")
	return &MemoryTransport{network: mn, addr: addr}
}

// Partition silently drops every frame between a and b, in both directions,
// and refuses new dials between them.
func (mn *MemoryNetwork) Partition(a, b string) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.setPartition(a, b, true)
	mn.setPartition(b, a, true)
}

// Heal removes a partition created by Partition.
func (mn *MemoryNetwork) Heal(a, b string) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.setPartition(a, b, false)
	mn.setPartition(b, a, false)
}

func (mn *MemoryNetwork) setPartition(from, to string, on bool) {
	if mn.partitionedFrom[from] == nil {
		mn.partitionedFrom[from] = make(map[string]bool)
	}
	if on {
		mn.partitionedFrom[from][to] = true
	} else {
		delete(mn.partitionedFrom[from], to)
	}
}

func (mn *MemoryNetwork) partitioned(from, to string) bool {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	return mn.partitionedFrom[from][to]
}

// Delivered counts frames written successfully across the whole network.
func (mn *MemoryNetwork) Delivered() int64 {
	return mn.delivered.Load()
}

// Dropped counts frames swallowed by partitions.
func (mn *MemoryNetwork) Dropped() int64 {
	return mn.dropped.Load()
}

// MemoryTransport is a Transport on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    string

	mu      sync.RWMutex
	handler func(Conn)
	closed  bool
}

func (t *MemoryTransport) Addr() string {
	return t.addr
}

func (t *MemoryTransport) Listen(handler func(Conn)) error {
	assertions.AssertNotNil(handler, "handler function cannot be nil")

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.handler = handler

	t.network.mu.Lock()
	t.network.transports[t.addr] = t
	t.network.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	assertions.Assert(addr != "", "target address cannot be empty")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}

	if t.network.partitioned(t.addr, addr) {
		return nil, fmt.Errorf("network partition: cannot reach %s from %s", addr, t.addr)
	}

	t.network.mu.RLock()
	target, exists := t.network.transports[addr]
	t.network.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	target.mu.RLock()
	handler := target.handler
	targetClosed := target.closed
	target.mu.RUnlock()
	if handler == nil || targetClosed {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	client, server := net.Pipe()
	go handler(t.network.wrap(server, addr, t.addr))
	return t.network.wrap(client, t.addr, addr), nil
}

// Close stops accepting streams; streams already handed out stay open.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.network.mu.Lock()
	if t.network.transports[t.addr] == t {
		delete(t.network.transports, t.addr)
	}
	t.network.mu.Unlock()
	return nil
}

type memoryConn struct {
	Conn
	network       *MemoryNetwork
	local, remote string
}

func (mn *MemoryNetwork) wrap(c net.Conn, local, remote string) Conn {
	return &memoryConn{
		Conn:    NewStreamConn(c, remote),
		network: mn,
		local:   local,
		remote:  remote,
	}
}

func (c *memoryConn) WriteFrame(ctx context.Context, data []byte) error {
	if c.network.partitioned(c.local, c.remote) {
		c.network.dropped.Add(1)
		return nil
	}
	if err := c.Conn.WriteFrame(ctx, data); err != nil {
		return err
	}
	c.network.delivered.Add(1)
	return nil
}
