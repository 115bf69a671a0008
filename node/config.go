package node

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrInvalidConfig = errors.New("node: invalid config")

const (
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultGracePeriodMultiplier = 3
	DefaultMaxReconnectAttempts  = 5
	DefaultBaseBackoff           = time.Second
	DefaultMaxBackoff            = 5 * time.Minute
	DefaultSendTimeout           = 5 * time.Second
	DefaultHandshakeTimeout      = 5 * time.Second
	DefaultOutboundQueueSize     = 1024
	DefaultInboundQueueSize      = 10_000
	DefaultMaxBootstrapFailures  = 3

	// MinHeartbeatInterval keeps the half-interval sweep ticker positive.
	MinHeartbeatInterval = time.Millisecond

	maxConcurrentDials = 16
)

type Config struct {
	// HeartbeatInterval paces liveness messages to peers and bootstrap refreshes.
	HeartbeatInterval time.Duration
	// A peer silent for HeartbeatInterval × GracePeriodMultiplier is closed.
	// Peers go stale earlier, after 1.5 intervals.
	GracePeriodMultiplier int
	MaxReconnectAttempts  int
	BaseBackoff           time.Duration
	// MaxBackoff caps a single reconnection delay.
	MaxBackoff       time.Duration
	SendTimeout      time.Duration
	HandshakeTimeout time.Duration

	OutboundQueueSize int // per peer
	InboundQueueSize  int

	// DiscoveryInterval repeats discovery while connected; 0 runs it only
	// once per connection.
	DiscoveryInterval time.Duration
	// MaxBootstrapFailures consecutive failed bootstrap refreshes end the
	// session and hand over to the reconnection policy.
	MaxBootstrapFailures int

	LogLevel slog.Level
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills zero fields. Negative values are left for Validate.
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.GracePeriodMultiplier == 0 {
		c.GracePeriodMultiplier = DefaultGracePeriodMultiplier
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = max(DefaultMaxBackoff, c.BaseBackoff)
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = DefaultInboundQueueSize
	}
	if c.MaxBootstrapFailures == 0 {
		c.MaxBootstrapFailures = DefaultMaxBootstrapFailures
	}
	return c
}

// Validate reports the first field that cannot drive a network.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval < MinHeartbeatInterval:
		return fmt.Errorf("%w: heartbeat interval must be at least %s, got %s", ErrInvalidConfig, MinHeartbeatInterval, c.HeartbeatInterval)
	case c.GracePeriodMultiplier < 2:
		return fmt.Errorf("%w: grace period multiplier must be at least 2, got %d", ErrInvalidConfig, c.GracePeriodMultiplier)
	case c.MaxReconnectAttempts <= 0:
		return fmt.Errorf("%w: max reconnect attempts must be positive, got %d", ErrInvalidConfig, c.MaxReconnectAttempts)
	case c.BaseBackoff <= 0:
		return fmt.Errorf("%w: base backoff must be positive, got %s", ErrInvalidConfig, c.BaseBackoff)
	case c.MaxBackoff < c.BaseBackoff:
		return fmt.Errorf("%w: max backoff %s is below base backoff %s", ErrInvalidConfig, c.MaxBackoff, c.BaseBackoff)
	case c.SendTimeout <= 0:
		return fmt.Errorf("%w: send timeout must be positive, got %s", ErrInvalidConfig, c.SendTimeout)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: handshake timeout must be positive, got %s", ErrInvalidConfig, c.HandshakeTimeout)
	case c.OutboundQueueSize <= 0:
		return fmt.Errorf("%w: outbound queue size must be positive, got %d", ErrInvalidConfig, c.OutboundQueueSize)
	case c.InboundQueueSize <= 0:
		return fmt.Errorf("%w: inbound queue size must be positive, got %d", ErrInvalidConfig, c.InboundQueueSize)
	case c.DiscoveryInterval < 0:
		return fmt.Errorf("%w: discovery interval cannot be negative, got %s", ErrInvalidConfig, c.DiscoveryInterval)
	case c.MaxBootstrapFailures <= 0:
		return fmt.Errorf("%w: max bootstrap failures must be positive, got %d", ErrInvalidConfig, c.MaxBootstrapFailures)
	}
	return nil
}

func (c Config) staleAfter() time.Duration {
	return c.HeartbeatInterval * 3 / 2
}

func (c Config) closeAfter() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.GracePeriodMultiplier)
}
