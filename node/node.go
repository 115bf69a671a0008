package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/ogzhanolguncu/peernet/metrics"
	"github.com/ogzhanolguncu/peernet/peer"
	"github.com/ogzhanolguncu/peernet/protocol"
)

var (
	ErrHandshake     = errors.New("node: handshake failed")
	ErrSessionLost   = errors.New("node: bootstrap session lost")
	ErrNetworkClosed = errors.New("node: network closed")
)

// Bootstrapper is the bootstrap endpoint a PeerNetwork registers with and
// learns its peers from. discovery.Client is the HTTP implementation.
type Bootstrapper interface {
	Register(ctx context.Context, self peer.Info) error
	Heartbeat(ctx context.Context, self peer.Info) error
	Peers(ctx context.Context) ([]peer.Info, error)
	Deregister(ctx context.Context, id string) error
}

// Stats is a point-in-time view of the network state.
type Stats struct {
	IsConnected       bool   `json:"isConnected"`
	PeerCount         int    `json:"peerCount"`
	NodeID            string `json:"nodeId"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	Failed            bool   `json:"failed"`
}

// PeerNetwork connects one local node to its peers: it registers with the
// bootstrap endpoint, dials the peers it learns about, keeps them alive
// with heartbeats and fans messages out to them.
type PeerNetwork struct {
	nodeID    string
	config    Config
	logger    *slog.Logger
	transport protocol.Transport
	bootstrap Bootstrapper
	peers     *peer.Manager

	// Lifecycle state. Lock order is mu, then the peer manager's lock.
	mu        sync.RWMutex
	connected bool
	attempts  int
	failed    bool
	running   bool               // a connection cycle is in progress
	cancel    context.CancelFunc // cancels the current cycle
	session   context.Context    // non-nil while connected

	// Every goroutine of a cycle is tracked so Disconnect can wait for them.
	wg     sync.WaitGroup
	stopMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(protocol.Envelope)
	incoming  chan protocol.Envelope
	handling  atomic.Bool // the dispatcher is inside handler

	closed       chan struct{}
	closeOnce    sync.Once
	dispatchDone chan struct{}
}

// New validates cfg, starts listening on transport and begins connecting in
// the background. It does not wait for the bootstrap endpoint.
func New(nodeID string, cfg Config, transport protocol.Transport, bootstrap Bootstrapper) (*PeerNetwork, error) {
	assertions.Assert(nodeID != "", "node id cannot be empty")
	assertions.AssertNotNil(transport, "transport cannot be nil")
	assertions.AssertNotNil(bootstrap, "bootstrapper cannot be nil")

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})).With("[NODE]", nodeID)

	n := &PeerNetwork{
		nodeID:       nodeID,
		config:       cfg,
		logger:       logger,
		transport:    transport,
		bootstrap:    bootstrap,
		peers:        peer.NewManager(cfg.staleAfter(), cfg.closeAfter()),
		incoming:     make(chan protocol.Envelope, cfg.InboundQueueSize),
		closed:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	assertions.AssertNotNil(n.peers, "peer manager must be initialized")
	assertions.AssertNotNil(n.incoming, "incoming channel must be initialized")

	if err := transport.Listen(n.handleInbound); err != nil {
		return nil, fmt.Errorf("failed to start transport listener: %w", err)
	}

	go n.dispatch()

	n.stopMu.Lock()
	n.start()
	n.stopMu.Unlock()

	logger.Info("peer network started",
		"addr", transport.Addr(),
		"heartbeat_interval", cfg.HeartbeatInterval,
		"max_reconnect_attempts", cfg.MaxReconnectAttempts)
	return n, nil
}

func (n *PeerNetwork) NodeID() string {
	return n.nodeID
}

func (n *PeerNetwork) Addr() string {
	return n.transport.Addr()
}

// OnMessage sets the callback for application messages from peers. It runs
// on a single goroutine, in arrival order. The handler may call Disconnect
// or Close; Close then returns without waiting for the handler to finish.
func (n *PeerNetwork) OnMessage(handler func(protocol.Envelope)) {
	n.handlerMu.Lock()
	n.handler = handler
	n.handlerMu.Unlock()
}

// Broadcast sends msgType to every active peer. It never blocks on I/O and
// is a no-op while disconnected.
func (n *PeerNetwork) Broadcast(msgType string, data map[string]any) {
	if !n.userType(msgType) {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.connected {
		n.logger.Debug("broadcast skipped while disconnected", "type", msgType)
		return
	}

	frame, ok := n.encode(protocol.NewEnvelope(msgType, n.nodeID, data))
	if !ok {
		return
	}
	for _, h := range n.peers.Active() {
		n.enqueue(h, msgType, frame)
	}
}

// SendToPeer sends msgType to peerID only. Unknown or still connecting
// peers are ignored, as are calls while disconnected.
func (n *PeerNetwork) SendToPeer(peerID, msgType string, data map[string]any) {
	if !n.userType(msgType) {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.connected {
		n.logger.Debug("send skipped while disconnected", "peer", peerID, "type", msgType)
		return
	}

	h, ok := n.peers.Get(peerID)
	if !ok {
		n.logger.Debug("send to unknown peer ignored", "peer", peerID, "type", msgType)
		return
	}

	env := protocol.NewEnvelope(msgType, n.nodeID, data)
	env.To = peerID
	frame, ok := n.encode(env)
	if !ok {
		return
	}
	n.enqueue(h, msgType, frame)
}

func (n *PeerNetwork) userType(msgType string) bool {
	if msgType == protocol.TypeHello || msgType == protocol.TypeHeartbeat {
		n.logger.Warn("message type is reserved for the connection protocol", "type", msgType)
		return false
	}
	return true
}

func (n *PeerNetwork) encode(env protocol.Envelope) ([]byte, bool) {
	frame, err := protocol.Encode(env)
	if err != nil {
		n.logger.Error("failed to encode outgoing message", "type", env.Type, "error", err)
		metrics.SendFailures.WithLabelValues(n.nodeID, metrics.ReasonEncode).Inc()
		return nil, false
	}
	return frame, true
}

func (n *PeerNetwork) enqueue(h *peer.Handle, msgType string, frame []byte) {
	select {
	case <-h.Done():
		return
	default:
	}
	if !h.Enqueue(frame) {
		n.logger.Warn("dropping outgoing message, peer queue is full",
			"peer", h.ID,
			"message_type", msgType)
		metrics.SendFailures.WithLabelValues(n.nodeID, metrics.ReasonQueueFull).Inc()
		return
	}
	metrics.MessagesSent.WithLabelValues(n.nodeID, msgType).Inc()
}

// Stats never blocks on I/O.
func (n *PeerNetwork) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return Stats{
		IsConnected:       n.connected,
		PeerCount:         n.peers.Count(),
		NodeID:            n.nodeID,
		ReconnectAttempts: n.attempts,
		Failed:            n.failed,
	}
}

// Peers lists the peer set sorted by ID.
func (n *PeerNetwork) Peers() []peer.Snapshot {
	return n.peers.Snapshot()
}

// Disconnect leaves the network: it stops every timer, closes every peer
// connection and waits for all background work. Nothing fires after it
// returns. Calling it again is a no-op.
func (n *PeerNetwork) Disconnect() {
	n.stopMu.Lock()
	defer n.stopMu.Unlock()
	n.stop()
}

// Reconnect starts a new connection cycle with a fresh attempt counter. It
// is how a caller recovers from a permanent failure or a Disconnect; while
// a cycle is already running it does nothing.
func (n *PeerNetwork) Reconnect() error {
	n.stopMu.Lock()
	defer n.stopMu.Unlock()

	select {
	case <-n.closed:
		return ErrNetworkClosed
	default:
	}

	n.mu.RLock()
	running := n.running
	n.mu.RUnlock()
	if running {
		return nil
	}

	// The previous cycle may still be unwinding after giving up.
	n.wg.Wait()
	n.mu.Lock()
	n.attempts = 0
	n.mu.Unlock()

	n.logger.Info("reconnect requested")
	n.start()
	return nil
}

// Close disconnects and releases the transport and the dispatcher. The
// network cannot be reconnected afterwards.
func (n *PeerNetwork) Close() error {
	n.stopMu.Lock()
	defer n.stopMu.Unlock()

	n.stop()

	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		err = n.transport.Close()
		if !n.handling.Load() {
			<-n.dispatchDone
		}
		metrics.Reset(n.nodeID)
		n.logger.Info("peer network closed")
	})
	return err
}

// start launches a connection cycle. stopMu must be held.
func (n *PeerNetwork) start() {
	ctx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	n.cancel = cancel
	n.running = true
	n.failed = false
	n.mu.Unlock()

	n.wg.Add(1)
	go n.supervise(ctx)
}

// stop tears the current cycle down. stopMu must be held.
func (n *PeerNetwork) stop() {
	n.mu.Lock()
	wasConnected := n.connected
	n.connected = false
	n.session = nil
	n.running = false
	cancel := n.cancel
	n.cancel = nil
	// Cancelling under mu keeps a concurrent session start from flipping
	// connected back on.
	if cancel != nil {
		cancel()
	}
	n.mu.Unlock()

	n.closePeers("disconnect")
	n.wg.Wait()
	// Dials reserved before the cancel landed.
	n.closePeers("disconnect")

	metrics.Connected.WithLabelValues(n.nodeID).Set(0)
	n.reportPeers()

	if wasConnected {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.HandshakeTimeout)
		defer cancel()
		if err := n.bootstrap.Deregister(ctx, n.nodeID); err != nil {
			n.logger.Warn("failed to deregister from bootstrap", "error", err)
		}
		n.logger.Info("disconnected from network")
	}
}

func (n *PeerNetwork) closePeers(reason string) {
	for _, h := range n.peers.Clear() {
		if err := h.Close(); err != nil {
			n.logger.Debug("error closing peer connection", "peer", h.ID, "error", err)
		}
		metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Closed.String()).Inc()
		n.logger.Info("peer closed", "peer", h.ID, "reason", reason)
	}
}

// dispatch delivers application messages to the OnMessage handler until
// the network is closed.
func (n *PeerNetwork) dispatch() {
	defer close(n.dispatchDone)
	for {
		select {
		case <-n.closed:
			return
		case env := <-n.incoming:
			n.handlerMu.RLock()
			handler := n.handler
			n.handlerMu.RUnlock()
			if handler != nil {
				n.handling.Store(true)
				handler(env)
				n.handling.Store(false)
			}
		}
	}
}

func (n *PeerNetwork) deliver(env protocol.Envelope) {
	select {
	case n.incoming <- env:
	default:
		n.logger.Warn("dropping incoming message, channel is full",
			"from", env.From,
			"message_type", env.Type)
	}
}

func (n *PeerNetwork) reportPeers() {
	counts := map[peer.State]int{peer.Connecting: 0, peer.Active: 0, peer.Stale: 0}
	for _, s := range n.peers.Snapshot() {
		counts[s.State]++
	}
	for state, count := range counts {
		metrics.Peers.WithLabelValues(n.nodeID, state.String()).Set(float64(count))
	}
}

func (n *PeerNetwork) self() peer.Info {
	return peer.Info{ID: n.nodeID, Addr: n.transport.Addr()}
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
