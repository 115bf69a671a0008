package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ogzhanolguncu/peernet/peer"
	"github.com/ogzhanolguncu/peernet/protocol"
	"github.com/stretchr/testify/require"
)

var errBootstrapDown = errors.New("bootstrap down")

// fakeBootstrap is an in-process registry with failure injection. One
// instance can be shared by several networks.
type fakeBootstrap struct {
	mu            sync.Mutex
	registry      map[string]peer.Info
	failRegisters int
	failHeartbeat bool
	registerCalls int
	deregistered  []string

	gate       chan struct{} // when set, Register waits for it once
	onRegister func()
}

func newFakeBootstrap() *fakeBootstrap {
	return &fakeBootstrap{registry: make(map[string]peer.Info)}
}

func (fb *fakeBootstrap) Register(ctx context.Context, self peer.Info) error {
	fb.mu.Lock()
	gate := fb.gate
	fb.gate = nil
	fb.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fb.mu.Lock()
	hook := fb.onRegister
	fb.registerCalls++
	fail := fb.failRegisters > 0
	if fail {
		fb.failRegisters--
	} else {
		fb.registry[self.ID] = self
	}
	fb.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return errBootstrapDown
	}
	return nil
}

func (fb *fakeBootstrap) Heartbeat(_ context.Context, self peer.Info) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.failHeartbeat {
		return errBootstrapDown
	}
	fb.registry[self.ID] = self
	return nil
}

func (fb *fakeBootstrap) Peers(context.Context) ([]peer.Info, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]peer.Info, 0, len(fb.registry))
	for _, p := range fb.registry {
		out = append(out, p)
	}
	return out, nil
}

func (fb *fakeBootstrap) Deregister(_ context.Context, id string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	delete(fb.registry, id)
	fb.deregistered = append(fb.deregistered, id)
	return nil
}

func (fb *fakeBootstrap) set(fn func(fb *fakeBootstrap)) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fn(fb)
}

func (fb *fakeBootstrap) calls() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.registerCalls
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:    100 * time.Millisecond,
		MaxReconnectAttempts: 5,
		BaseBackoff:          5 * time.Millisecond,
		MaxBackoff:           50 * time.Millisecond,
		SendTimeout:          time.Second,
		HandshakeTimeout:     time.Second,
		LogLevel:             slog.LevelWarn,
	}
}

func newTestNetwork(t *testing.T, mn *protocol.MemoryNetwork, fb Bootstrapper, id string, cfg Config) *PeerNetwork {
	t.Helper()
	pn, err := New(id, cfg, mn.Transport(id+":7000"), fb)
	require.NoError(t, err)
	t.Cleanup(func() { pn.Close() })
	return pn
}

func waitConnected(t *testing.T, pn *PeerNetwork) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pn.Stats().IsConnected
	}, 5*time.Second, 5*time.Millisecond, "%s never connected", pn.NodeID())
}

func waitActive(t *testing.T, pn *PeerNetwork, peerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := pn.peers.State(peerID)
		return ok && state == peer.Active
	}, 5*time.Second, 5*time.Millisecond, "%s never saw %s active", pn.NodeID(), peerID)
}

func TestPeerNetwork_DiscoversPeers(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	for i := 2; i <= 4; i++ {
		waitConnected(t, newTestNetwork(t, mn, fb, fmt.Sprintf("N%d", i), testConfig()))
	}

	n1 := newTestNetwork(t, mn, fb, "N1", testConfig())
	require.Eventually(t, func() bool {
		stats := n1.Stats()
		return stats.IsConnected && stats.PeerCount == 3 && len(n1.peers.Active()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	stats := n1.Stats()
	require.Equal(t, "N1", stats.NodeID)
	require.Equal(t, 0, stats.ReconnectAttempts)
	require.False(t, stats.Failed)

	snapshot := n1.Peers()
	require.Len(t, snapshot, 3)
	require.Equal(t, "N2", snapshot[0].ID)
	require.Equal(t, "N2:7000", snapshot[0].Addr)
}

func TestPeerNetwork_ZeroPeersIsValid(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	pn := newTestNetwork(t, mn, newFakeBootstrap(), "alone", testConfig())

	waitConnected(t, pn)
	require.Equal(t, 0, pn.Stats().PeerCount)
}

func TestPeerNetwork_ReconnectAttemptsResetOnSuccess(t *testing.T) {
	const failures = 3
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	gate := make(chan struct{})
	fb.set(func(fb *fakeBootstrap) {
		fb.failRegisters = failures
		fb.gate = gate
	})

	pn := newTestNetwork(t, mn, fb, "N1", testConfig())

	var (
		mu   sync.Mutex
		seen []int
	)
	fb.set(func(fb *fakeBootstrap) {
		fb.onRegister = func() {
			mu.Lock()
			seen = append(seen, pn.Stats().ReconnectAttempts)
			mu.Unlock()
		}
	})
	close(gate)

	waitConnected(t, pn)
	require.Equal(t, 0, pn.Stats().ReconnectAttempts)
	require.Equal(t, failures+1, fb.calls())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, failures}, seen, "attempt counter observed before each connection attempt")
}

func TestPeerNetwork_StopsAtAttemptCap(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	fb.set(func(fb *fakeBootstrap) { fb.failRegisters = 1000 })

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	pn := newTestNetwork(t, mn, fb, "N1", cfg)

	require.Eventually(t, func() bool {
		return pn.Stats().Failed
	}, 5*time.Second, 5*time.Millisecond)

	stats := pn.Stats()
	require.False(t, stats.IsConnected)
	require.Equal(t, 3, stats.ReconnectAttempts)
	require.Equal(t, 3, fb.calls())

	// Well past the largest backoff: still nothing.
	time.Sleep(4 * cfg.MaxBackoff)
	require.Equal(t, 3, fb.calls(), "no attempt may happen after giving up")

	fb.set(func(fb *fakeBootstrap) { fb.failRegisters = 0 })
	require.NoError(t, pn.Reconnect())
	waitConnected(t, pn)

	stats = pn.Stats()
	require.Equal(t, 0, stats.ReconnectAttempts)
	require.False(t, stats.Failed)
	require.NoError(t, pn.Reconnect(), "reconnect while running is a no-op")
	require.Equal(t, 4, fb.calls())
}

func TestPeerNetwork_ReconnectsAfterBootstrapLoss(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MaxBootstrapFailures = 2

	other := newTestNetwork(t, mn, fb, "N2", cfg)
	waitConnected(t, other)
	pn := newTestNetwork(t, mn, fb, "N1", cfg)
	waitConnected(t, pn)
	waitActive(t, pn, "N2")

	lost := make(chan struct{})
	var once sync.Once
	fb.set(func(fb *fakeBootstrap) {
		fb.failHeartbeat = true
		fb.onRegister = func() { once.Do(func() { close(lost) }) }
	})

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		require.Fail(t, "session was never re-established")
	}
	fb.set(func(fb *fakeBootstrap) { fb.failHeartbeat = false })

	waitConnected(t, pn)
	require.Equal(t, 0, pn.Stats().ReconnectAttempts)
}

func TestPeerNetwork_BroadcastWhileDisconnected(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour

	a := newTestNetwork(t, mn, fb, "A", cfg)
	waitConnected(t, a)
	b := newTestNetwork(t, mn, fb, "B", cfg)
	waitConnected(t, b)
	waitActive(t, a, "B")
	waitActive(t, b, "A")

	a.Disconnect()
	before := mn.Delivered()

	require.NotPanics(t, func() {
		a.Broadcast("BLOCK", map[string]any{"height": 1})
		a.SendToPeer("B", "BLOCK", map[string]any{"height": 1})
	})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, mn.Delivered(), "no frame may leave a disconnected node")
}

func TestPeerNetwork_NeverConnectedBroadcast(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	fb.set(func(fb *fakeBootstrap) { fb.failRegisters = 1000 })

	pn := newTestNetwork(t, mn, fb, "N1", testConfig())
	pn.Broadcast("BLOCK", nil)
	require.Equal(t, int64(0), mn.Delivered())
	require.False(t, pn.Stats().IsConnected)
}

func TestPeerNetwork_SilentPeerGoesStaleThenClosed(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	a := newTestNetwork(t, mn, fb, "A", testConfig())
	waitConnected(t, a)
	b := newTestNetwork(t, mn, fb, "B", testConfig())
	waitConnected(t, b)
	waitActive(t, a, "B")

	// Heartbeats keep the link alive across several windows.
	time.Sleep(400 * time.Millisecond)
	state, ok := a.peers.State("B")
	require.True(t, ok)
	require.Equal(t, peer.Active, state)

	mn.Partition("A:7000", "B:7000")

	require.Eventually(t, func() bool {
		state, ok := a.peers.State("B")
		return ok && state == peer.Stale
	}, 5*time.Second, 5*time.Millisecond, "silent peer should become stale")

	require.Eventually(t, func() bool {
		return !a.peers.Has("B")
	}, 5*time.Second, 5*time.Millisecond, "silent peer should be closed and removed")

	require.Equal(t, 0, a.Stats().PeerCount)
	require.True(t, a.Stats().IsConnected, "losing a peer is not losing the network")
}

func TestPeerNetwork_StalePeerRevives(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	cfg := testConfig()
	cfg.GracePeriodMultiplier = 20

	a := newTestNetwork(t, mn, fb, "A", cfg)
	waitConnected(t, a)
	b := newTestNetwork(t, mn, fb, "B", cfg)
	waitConnected(t, b)
	waitActive(t, a, "B")

	mn.Partition("A:7000", "B:7000")
	require.Eventually(t, func() bool {
		state, _ := a.peers.State("B")
		return state == peer.Stale
	}, 5*time.Second, 5*time.Millisecond)

	mn.Heal("A:7000", "B:7000")
	waitActive(t, a, "B")
}

func TestPeerNetwork_DisconnectIsIdempotent(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	other := newTestNetwork(t, mn, fb, "N2", testConfig())
	waitConnected(t, other)
	pn := newTestNetwork(t, mn, fb, "N1", testConfig())
	waitConnected(t, pn)
	waitActive(t, pn, "N2")

	pn.Disconnect()
	first := pn.Stats()
	require.False(t, first.IsConnected)
	require.Equal(t, 0, first.PeerCount)
	require.Empty(t, pn.Peers())

	pn.Disconnect()
	require.Equal(t, first, pn.Stats())

	fb.mu.Lock()
	require.Equal(t, []string{"N1"}, fb.deregistered)
	fb.mu.Unlock()

	// Nothing is scheduled any more.
	calls := fb.calls()
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, calls, fb.calls())
	require.False(t, pn.Stats().IsConnected)

	require.NoError(t, pn.Reconnect())
	waitConnected(t, pn)
	waitActive(t, pn, "N2")
}

func TestPeerNetwork_DisconnectBeforeConnecting(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()
	gate := make(chan struct{})
	fb.set(func(fb *fakeBootstrap) { fb.gate = gate })

	pn := newTestNetwork(t, mn, fb, "N1", testConfig())
	pn.Disconnect()
	pn.Disconnect()
	close(gate)

	require.Equal(t, Stats{NodeID: "N1"}, pn.Stats())
	fb.mu.Lock()
	require.Empty(t, fb.deregistered, "a node that never registered has nothing to withdraw")
	fb.mu.Unlock()
}

func TestPeerNetwork_SendToUnknownPeer(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	pn := newTestNetwork(t, mn, newFakeBootstrap(), "N1", testConfig())
	waitConnected(t, pn)

	before := pn.Stats()
	delivered := mn.Delivered()
	require.NotPanics(t, func() {
		pn.SendToPeer("nonexistent", "PING", map[string]any{})
	})
	require.Equal(t, before, pn.Stats())
	require.Equal(t, delivered, mn.Delivered())
}

func TestPeerNetwork_UnicastKeepsOrder(t *testing.T) {
	const numMessages = 200
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	a := newTestNetwork(t, mn, fb, "A", testConfig())
	waitConnected(t, a)
	b := newTestNetwork(t, mn, fb, "B", testConfig())
	waitConnected(t, b)

	var (
		mu       sync.Mutex
		received []protocol.Envelope
	)
	b.OnMessage(func(env protocol.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})
	waitActive(t, a, "B")

	for i := range numMessages {
		a.SendToPeer("B", "SEQ", map[string]any{"seq": int64(i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == numMessages
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, env := range received {
		require.Equal(t, "SEQ", env.Type)
		require.Equal(t, "A", env.From)
		require.Equal(t, "B", env.To)
		require.EqualValues(t, i, env.Data["seq"])
		require.NotZero(t, env.Timestamp)
	}
}

func TestPeerNetwork_BroadcastReachesEveryActivePeer(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	type delivery struct {
		to  string
		env protocol.Envelope
	}
	got := make(chan delivery, 16)

	var receivers []*PeerNetwork
	for _, id := range []string{"R1", "R2", "R3"} {
		r := newTestNetwork(t, mn, fb, id, testConfig())
		r.OnMessage(func(env protocol.Envelope) { got <- delivery{to: id, env: env} })
		waitConnected(t, r)
		receivers = append(receivers, r)
	}

	sender := newTestNetwork(t, mn, fb, "S", testConfig())
	for _, r := range receivers {
		waitActive(t, sender, r.NodeID())
	}

	sender.Broadcast("BLOCK", map[string]any{"height": int64(7)})

	seen := map[string]bool{}
	for range receivers {
		select {
		case d := <-got:
			require.Equal(t, "BLOCK", d.env.Type)
			require.Equal(t, "S", d.env.From)
			require.Empty(t, d.env.To, "broadcasts carry no recipient")
			require.EqualValues(t, 7, d.env.Data["height"])
			seen[d.to] = true
		case <-time.After(5 * time.Second):
			require.Fail(t, "broadcast did not reach every peer")
		}
	}
	require.Len(t, seen, 3)
}

func TestPeerNetwork_ControlTypesAreNotDispatched(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	a := newTestNetwork(t, mn, fb, "A", testConfig())
	waitConnected(t, a)
	b := newTestNetwork(t, mn, fb, "B", testConfig())

	var (
		mu    sync.Mutex
		types []string
	)
	b.OnMessage(func(env protocol.Envelope) {
		mu.Lock()
		types = append(types, env.Type)
		mu.Unlock()
	})
	waitActive(t, a, "B")

	a.Broadcast(protocol.TypeHeartbeat, nil)
	a.Broadcast("APP", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) > 0
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"APP"}, types)
}

func TestPeerNetwork_RejectsMismatchedHello(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	b := newTestNetwork(t, mn, fb, "B", testConfig())
	waitConnected(t, b)
	// An entry that points at B's address under another name.
	fb.set(func(fb *fakeBootstrap) {
		fb.registry["ghost"] = peer.Info{ID: "ghost", Addr: "B:7000"}
	})

	a := newTestNetwork(t, mn, fb, "A", testConfig())
	waitActive(t, a, "B")

	time.Sleep(100 * time.Millisecond)
	require.False(t, a.peers.Has("ghost"))
}

func TestPeerNetwork_CloseRejectsReconnect(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	pn, err := New("N1", testConfig(), mn.Transport("N1:7000"), newFakeBootstrap())
	require.NoError(t, err)
	waitConnected(t, pn)

	require.NoError(t, pn.Close())
	require.NoError(t, pn.Close())
	require.ErrorIs(t, pn.Reconnect(), ErrNetworkClosed)
	require.False(t, pn.Stats().IsConnected)
}

func TestNew_InvalidConfig(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	cfg := testConfig()
	cfg.HeartbeatInterval = -time.Second

	_, err := New("N1", cfg, mn.Transport("N1:7000"), newFakeBootstrap())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// listenWedged serves HELLO on addr as id and then never reads again, so
// every later write to it blocks until the writer gives up.
func listenWedged(t *testing.T, mn *protocol.MemoryNetwork, id, addr string) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	transport := mn.Transport(addr)
	require.NoError(t, transport.Listen(func(conn protocol.Conn) {
		defer conn.Close()
		data, err := conn.ReadFrame()
		if err != nil {
			return
		}
		hello, err := protocol.Decode(data)
		if err != nil {
			return
		}
		reply := protocol.NewEnvelope(protocol.TypeHello, id, map[string]any{"addr": addr})
		reply.To = hello.From
		frame, err := protocol.Encode(reply)
		if err != nil {
			return
		}
		if err := conn.WriteFrame(context.Background(), frame); err != nil {
			return
		}
		<-done
	}))
	t.Cleanup(func() { transport.Close() })
}

func TestPeerNetwork_WedgedPeerDoesNotStallBroadcast(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	listenWedged(t, mn, "W", "W:7000")
	fb.set(func(fb *fakeBootstrap) {
		fb.registry["W"] = peer.Info{ID: "W", Addr: "W:7000"}
	})

	// Long heartbeats keep liveness out of the picture: only the failed
	// write can change W's state.
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.SendTimeout = 300 * time.Millisecond

	got := make(chan string, 16)
	for _, id := range []string{"R1", "R2"} {
		r := newTestNetwork(t, mn, fb, id, cfg)
		r.OnMessage(func(env protocol.Envelope) {
			if env.From == "S" {
				got <- id
			}
		})
		waitConnected(t, r)
	}

	sender := newTestNetwork(t, mn, fb, "S", cfg)
	for _, id := range []string{"R1", "R2", "W"} {
		waitActive(t, sender, id)
	}

	receiveAll := func() {
		t.Helper()
		seen := map[string]bool{}
		deadline := time.After(cfg.SendTimeout)
		for len(seen) < 2 {
			select {
			case id := <-got:
				seen[id] = true
			case <-deadline:
				require.Fail(t, "healthy peers must not wait on a wedged one", "got %v", seen)
			}
		}
	}

	sender.Broadcast("BLOCK", map[string]any{"height": int64(1)})
	receiveAll()

	require.Eventually(t, func() bool {
		state, ok := sender.peers.State("W")
		return ok && state == peer.Stale
	}, 5*time.Second, 5*time.Millisecond, "a timed-out write must take the stream down")

	ids := make([]string, 0, 3)
	for _, p := range sender.Peers() {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []string{"R1", "R2", "W"}, ids, "a failed send never removes the peer")

	sender.Broadcast("BLOCK", map[string]any{"height": int64(2)})
	receiveAll()
	require.True(t, sender.Stats().IsConnected)
}

func TestPeerNetwork_HandlerMayClose(t *testing.T) {
	mn := protocol.NewMemoryNetwork()
	fb := newFakeBootstrap()

	a := newTestNetwork(t, mn, fb, "A", testConfig())
	waitConnected(t, a)
	b := newTestNetwork(t, mn, fb, "B", testConfig())

	closed := make(chan error, 1)
	b.OnMessage(func(env protocol.Envelope) {
		if env.Type == "SHUTDOWN" {
			closed <- b.Close()
		}
	})
	waitActive(t, a, "B")

	a.SendToPeer("B", "SHUTDOWN", nil)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "Close from a message handler must not block")
	}
	require.False(t, b.Stats().IsConnected)
	require.ErrorIs(t, b.Reconnect(), ErrNetworkClosed)
}
