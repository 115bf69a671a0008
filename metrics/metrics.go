// Package metrics holds the Prometheus instruments of a peer network.
// Every series carries a "node" label so several nodes can share one
// process (tests, local clusters).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peernet"

// Connected is 1 while the node holds a bootstrap session.
var Connected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "connected",
	Help:      "Whether the node is connected to the bootstrap endpoint.",
}, []string{"node"})

// Peers tracks the size of the peer set by state.
var Peers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "peers",
	Help:      "Number of peers in the local peer set.",
}, []string{"node", "state"})

// ReconnectAttempts mirrors the consecutive failed connection attempts.
var ReconnectAttempts = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "reconnect_attempts",
	Help:      "Consecutive failed attempts in the current reconnection cycle.",
}, []string{"node"})

// MessagesSent counts frames queued for peer connections.
var MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_sent_total",
	Help:      "Total messages queued for peers.",
}, []string{"node", "type"})

// MessagesReceived counts decoded envelopes read from peers.
var MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_received_total",
	Help:      "Total messages received from peers.",
}, []string{"node", "type"})

// SendFailures counts messages that never reached a peer.
var SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "send_failures_total",
	Help:      "Total messages dropped or failed on write.",
}, []string{"node", "reason"})

// PeerTransitions counts peer state changes by target state.
var PeerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "peer_transitions_total",
	Help:      "Total peer state transitions.",
}, []string{"node", "state"})

// WriteLatency tracks the time spent writing one frame to a peer.
var WriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "write_latency_seconds",
	Help:      "Frame write duration in seconds.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"node"})

// DiscoveryRegistered is the number of live registrations at a bootstrap server.
var DiscoveryRegistered = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "discovery_registered_nodes",
	Help:      "Nodes currently registered with this discovery server.",
})

// Send failure reasons.
const (
	ReasonQueueFull = "queue_full"
	ReasonWrite     = "write"
	ReasonEncode    = "encode"
)

// Reset drops every series of one node, e.g. once it has been closed.
func Reset(node string) {
	labels := prometheus.Labels{"node": node}
	Connected.DeletePartialMatch(labels)
	Peers.DeletePartialMatch(labels)
	ReconnectAttempts.DeletePartialMatch(labels)
	MessagesSent.DeletePartialMatch(labels)
	MessagesReceived.DeletePartialMatch(labels)
	SendFailures.DeletePartialMatch(labels)
	PeerTransitions.DeletePartialMatch(labels)
	WriteLatency.DeletePartialMatch(labels)
}
