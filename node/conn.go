package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/ogzhanolguncu/peernet/metrics"
	"github.com/ogzhanolguncu/peernet/peer"
	"github.com/ogzhanolguncu/peernet/protocol"
)

// live reports whether session is the current connected session. mu must
// be held.
func (n *PeerNetwork) live(session context.Context) bool {
	return n.connected && n.session == session
}

// admit tracks an inbound stream as part of the current session. The caller
// must call wg.Done when ok is true.
func (n *PeerNetwork) admit() (context.Context, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.connected || n.session == nil {
		return nil, false
	}
	n.wg.Add(1)
	return n.session, true
}

// reserve inserts a connecting placeholder for a dial in session.
func (n *PeerNetwork) reserve(session context.Context, h *peer.Handle) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.live(session) {
		return false
	}
	return n.peers.Reserve(h)
}

// install activates a handshaken handle and starts its reader and writer.
// A handle that loses to an existing connection, or outlives its session,
// is closed.
func (n *PeerNetwork) install(session context.Context, h *peer.Handle) bool {
	n.mu.RLock()
	if !n.live(session) {
		n.mu.RUnlock()
		n.peers.Remove(h)
		h.Close()
		return false
	}

	evicted, ok := n.peers.Activate(h)
	if ok {
		// Tracked while mu is held, so Disconnect waits for both loops.
		n.wg.Add(2)
	}
	n.mu.RUnlock()

	if evicted != nil {
		evicted.Close()
		metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Closed.String()).Inc()
		n.logger.Info("replaced duplicate connection", "peer", h.ID, "initiator", h.Initiator)
	}
	if !ok {
		h.Close()
		n.logger.Debug("duplicate connection rejected", "peer", h.ID, "initiator", h.Initiator)
		return false
	}

	go n.readLoop(h)
	go n.writeLoop(h)

	metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Active.String()).Inc()
	n.reportPeers()
	n.logger.Info("peer active", "peer", h.ID, "addr", h.Addr)
	return true
}

// dialPeer connects to a discovered candidate: reserve, dial, HELLO
// exchange, activate.
func (n *PeerNetwork) dialPeer(session context.Context, candidate peer.Info) error {
	assertions.Assert(candidate.ID != "", "candidate id cannot be empty")

	h := peer.NewHandle(candidate.ID, candidate.Addr, n.nodeID, n.config.OutboundQueueSize)
	if !n.reserve(session, h) {
		return nil
	}
	metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Connecting.String()).Inc()

	ctx, cancel := context.WithTimeout(session, n.config.HandshakeTimeout)
	defer cancel()

	conn, err := n.transport.Dial(ctx, candidate.Addr)
	if err != nil {
		n.abandon(h)
		n.logger.Warn("failed to dial peer", "peer", candidate.ID, "addr", candidate.Addr, "error", err)
		return fmt.Errorf("dial %s: %w", candidate.ID, err)
	}

	if _, err := n.handshake(ctx, conn, candidate.ID); err != nil {
		conn.Close()
		n.abandon(h)
		n.logger.Warn("handshake with peer failed", "peer", candidate.ID, "error", err)
		return err
	}

	if !h.Bind(conn) {
		n.abandon(h)
		return nil
	}
	n.install(session, h)
	return nil
}

func (n *PeerNetwork) abandon(h *peer.Handle) {
	if n.peers.Remove(h) {
		metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Closed.String()).Inc()
	}
	h.Close()
}

// handleInbound serves a stream accepted by the transport. Streams arriving
// while disconnected are closed immediately.
func (n *PeerNetwork) handleInbound(conn protocol.Conn) {
	session, ok := n.admit()
	if !ok {
		conn.Close()
		return
	}
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(session, n.config.HandshakeTimeout)
	defer cancel()

	hello, err := n.handshake(ctx, conn, "")
	if err != nil {
		conn.Close()
		n.logger.Warn("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	addr := hello.String("addr")
	if addr == "" {
		addr = conn.RemoteAddr()
	}
	h := peer.NewHandle(hello.From, addr, hello.From, n.config.OutboundQueueSize)
	if h.Bind(conn) {
		n.install(session, h)
	}
}

// handshake exchanges HELLO envelopes and returns the remote one. A dialer
// passes the ID it expects and speaks first, addressing its HELLO to that
// ID; an acceptor passes "" and answers. ctx bounds the whole exchange: if
// it ends, the stream is closed to unblock reads.
func (n *PeerNetwork) handshake(ctx context.Context, conn protocol.Conn, remoteID string) (*protocol.Envelope, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	hello, err := n.exchangeHello(ctx, conn, remoteID)

	if !stop() {
		// The deadline fired and the stream is already closed.
		return nil, fmt.Errorf("%w: %v", ErrHandshake, context.Cause(ctx))
	}
	return hello, err
}

func (n *PeerNetwork) exchangeHello(ctx context.Context, conn protocol.Conn, remoteID string) (*protocol.Envelope, error) {
	dialer := remoteID != ""
	if dialer {
		if err := n.writeHello(ctx, conn, remoteID); err != nil {
			return nil, err
		}
	}

	data, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: read hello: %v", ErrHandshake, err)
	}
	hello, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	switch {
	case hello.Type != protocol.TypeHello:
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, protocol.TypeHello, hello.Type)
	case hello.From == n.nodeID:
		return nil, fmt.Errorf("%w: connected to self", ErrHandshake)
	case hello.To != "" && hello.To != n.nodeID:
		return nil, fmt.Errorf("%w: hello addressed to %s", ErrHandshake, hello.To)
	case dialer && hello.From != remoteID:
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, remoteID, hello.From)
	}

	if !dialer {
		if err := n.writeHello(ctx, conn, hello.From); err != nil {
			return nil, err
		}
	}
	return hello, nil
}

func (n *PeerNetwork) writeHello(ctx context.Context, conn protocol.Conn, to string) error {
	env := protocol.NewEnvelope(protocol.TypeHello, n.nodeID, map[string]any{
		"addr": n.transport.Addr(),
	})
	env.To = to

	frame, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}
	return nil
}

// readLoop consumes frames until the stream fails, then marks the peer
// stale. Liveness is refreshed by every frame, control or not.
func (n *PeerNetwork) readLoop(h *peer.Handle) {
	defer n.wg.Done()
	conn := h.Conn()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if n.peers.MarkStale(h) {
				metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Stale.String()).Inc()
				n.logger.Warn("peer connection broken, marked stale", "peer", h.ID, "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			n.logger.Error("failed to decode incoming message", "peer", h.ID, "error", err)
			continue
		}
		if env.From != h.ID {
			n.logger.Warn("dropping message with mismatched sender", "peer", h.ID, "from", env.From)
			continue
		}

		if n.peers.Touch(h.ID) {
			metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Active.String()).Inc()
			n.logger.Info("stale peer is active again", "peer", h.ID)
		}
		metrics.MessagesReceived.WithLabelValues(n.nodeID, env.Type).Inc()

		if env.IsControl() {
			continue
		}
		n.deliver(*env)
	}
}

// writeLoop is the only writer of h's stream, so frames reach the peer in
// the order they were queued.
//
// A failed or timed-out write may have sent part of a frame, which leaves the
// length-prefixed stream unusable. The stream is closed and the peer marked
// stale; it stays in the set until it is replaced or the grace period ends.
func (n *PeerNetwork) writeLoop(h *peer.Handle) {
	defer n.wg.Done()
	conn := h.Conn()
	broken := false

	for {
		select {
		case <-h.Done():
			return
		case frame := <-h.Outbound():
			if broken {
				metrics.SendFailures.WithLabelValues(n.nodeID, metrics.ReasonWrite).Inc()
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), n.config.SendTimeout)
			start := time.Now()
			err := conn.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				metrics.SendFailures.WithLabelValues(n.nodeID, metrics.ReasonWrite).Inc()
				if errors.Is(err, protocol.ErrFrameTooLarge) {
					// Rejected before any byte was written.
					n.logger.Warn("dropping oversized frame", "peer", h.ID, "error", err)
					continue
				}
				broken = true
				n.breakStream(h, conn, err)
				continue
			}
			metrics.WriteLatency.WithLabelValues(n.nodeID).Observe(time.Since(start).Seconds())
		}
	}
}

func (n *PeerNetwork) breakStream(h *peer.Handle, conn protocol.Conn, cause error) {
	if err := conn.Close(); err != nil {
		n.logger.Debug("error closing broken stream", "peer", h.ID, "error", err)
	}
	if n.peers.MarkStale(h) {
		metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Stale.String()).Inc()
	}
	n.logger.Warn("write to peer failed, stream closed", "peer", h.ID, "error", cause)
}
