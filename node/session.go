package node

import (
	"context"
	"fmt"
	"time"

	"github.com/ogzhanolguncu/peernet/metrics"
	"github.com/ogzhanolguncu/peernet/peer"
	"github.com/ogzhanolguncu/peernet/protocol"
	"golang.org/x/sync/errgroup"
)

// supervise runs one connection cycle: connect, hold the session, and on
// failure retry with exponential backoff until the attempt cap is hit.
func (n *PeerNetwork) supervise(ctx context.Context) {
	defer n.wg.Done()

	for {
		err := n.establish(ctx)
		if err == nil {
			err = n.runSession(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		attempt, giveUp := n.recordFailure(err)
		if giveUp {
			n.logger.Error("giving up on the network, reconnect attempts exhausted",
				"attempts", attempt,
				"error", err)
			return
		}

		delay := Backoff(attempt, n.config.BaseBackoff, n.config.MaxBackoff)
		n.logger.Warn("connection failed, retrying",
			"attempt", attempt,
			"max_attempts", n.config.MaxReconnectAttempts,
			"delay", delay,
			"error", err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// establish registers with the bootstrap endpoint.
func (n *PeerNetwork) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.HandshakeTimeout)
	defer cancel()

	if err := n.bootstrap.Register(ctx, n.self()); err != nil {
		return fmt.Errorf("bootstrap unreachable: %w", err)
	}
	return nil
}

// recordFailure counts a failed attempt and reports whether the cycle must
// stop. connected is always false here.
func (n *PeerNetwork) recordFailure(err error) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.attempts++
	metrics.ReconnectAttempts.WithLabelValues(n.nodeID).Set(float64(n.attempts))

	if n.attempts >= n.config.MaxReconnectAttempts {
		n.failed = true
		n.running = false
		return n.attempts, true
	}
	return n.attempts, false
}

// runSession holds a connected session until ctx ends or the bootstrap
// endpoint stops answering. It returns nil only when ctx was cancelled.
func (n *PeerNetwork) runSession(ctx context.Context) error {
	session, cancel := context.WithCancel(ctx)
	defer cancel()

	n.mu.Lock()
	if ctx.Err() != nil {
		n.mu.Unlock()
		return ctx.Err()
	}
	n.connected = true
	n.attempts = 0
	n.failed = false
	n.session = session
	n.mu.Unlock()

	metrics.Connected.WithLabelValues(n.nodeID).Set(1)
	metrics.ReconnectAttempts.WithLabelValues(n.nodeID).Set(0)
	n.logger.Info("connected to bootstrap", "addr", n.transport.Addr())

	n.spawn(func() { n.discover(session) })

	heartbeat := time.NewTicker(n.config.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(n.config.HeartbeatInterval / 2)
	defer sweep.Stop()

	var rediscover <-chan time.Time
	if n.config.DiscoveryInterval > 0 {
		ticker := time.NewTicker(n.config.DiscoveryInterval)
		defer ticker.Stop()
		rediscover = ticker.C
	}

	failures := 0
	for {
		select {
		case <-session.Done():
			return nil

		case <-heartbeat.C:
			n.sendHeartbeat(session)
			if err := n.refreshBootstrap(session); err != nil {
				failures++
				n.logger.Warn("bootstrap refresh failed",
					"failures", failures,
					"max_failures", n.config.MaxBootstrapFailures,
					"error", err)
				if failures >= n.config.MaxBootstrapFailures {
					return n.loseSession(session, err)
				}
			} else {
				failures = 0
			}

		case now := <-sweep.C:
			n.sweep(now)

		case <-rediscover:
			n.spawn(func() { n.discover(session) })
		}
	}
}

// loseSession drops the connected state after the bootstrap endpoint went
// away. Peers are closed; the caller applies the reconnection policy.
func (n *PeerNetwork) loseSession(session context.Context, cause error) error {
	n.mu.Lock()
	if n.session != session {
		n.mu.Unlock()
		return nil
	}
	n.connected = false
	n.session = nil
	n.mu.Unlock()

	metrics.Connected.WithLabelValues(n.nodeID).Set(0)
	n.closePeers("bootstrap lost")
	n.reportPeers()
	n.logger.Error("lost connection to bootstrap", "error", cause)
	return fmt.Errorf("%w: %v", ErrSessionLost, cause)
}

func (n *PeerNetwork) refreshBootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.HandshakeTimeout)
	defer cancel()
	return n.bootstrap.Heartbeat(ctx, n.self())
}

// sendHeartbeat queues a liveness message to active and stale peers, so a
// stale peer that is still listening can recover.
func (n *PeerNetwork) sendHeartbeat(session context.Context) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.live(session) {
		return
	}

	targets := n.peers.Reachable()
	env := protocol.NewEnvelope(protocol.TypeHeartbeat, n.nodeID, map[string]any{
		"nodeId":    n.nodeID,
		"timestamp": time.Now().UnixMilli(),
		"peerCount": n.peers.Count(),
	})
	frame, ok := n.encode(env)
	if !ok {
		return
	}
	for _, h := range targets {
		n.enqueue(h, protocol.TypeHeartbeat, frame)
	}
	n.logger.Debug("heartbeat sent", "peers", len(targets))
}

func (n *PeerNetwork) sweep(now time.Time) {
	staled, closed := n.peers.Sweep(now)
	for _, h := range staled {
		metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Stale.String()).Inc()
		n.logger.Warn("peer is stale, missed heartbeat window", "peer", h.ID)
	}
	for _, h := range closed {
		h.Close()
		metrics.PeerTransitions.WithLabelValues(n.nodeID, peer.Closed.String()).Inc()
		n.logger.Warn("peer closed after grace period", "peer", h.ID)
	}
	n.reportPeers()
}

// discover asks the bootstrap endpoint for candidates and dials the unknown
// ones concurrently.
func (n *PeerNetwork) discover(session context.Context) {
	ctx, cancel := context.WithTimeout(session, n.config.HandshakeTimeout)
	candidates, err := n.bootstrap.Peers(ctx)
	cancel()
	if err != nil {
		n.logger.Warn("peer discovery failed", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentDials)
	dialed := 0
	for _, candidate := range candidates {
		if candidate.ID == n.nodeID || n.peers.Has(candidate.ID) {
			continue
		}
		dialed++
		g.Go(func() error {
			return n.dialPeer(session, candidate)
		})
	}

	if err := g.Wait(); err != nil {
		n.logger.Warn("some peers could not be reached", "error", err)
	}
	n.reportPeers()
	n.logger.Info("peer discovery finished",
		"candidates", len(candidates),
		"dialed", dialed,
		"peers", n.peers.Count())
}

// spawn runs fn as part of the current cycle.
func (n *PeerNetwork) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}
