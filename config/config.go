// Package config loads node settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/ogzhanolguncu/peernet/node"
)

var ErrUnknownLogLevel = errors.New("config: unknown log level")

// DefaultDiscoveryInterval re-runs discovery while connected so peers that
// registered after us are still found.
const DefaultDiscoveryInterval = time.Minute

// Config is the on-disk shape of a node's settings.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Network   NetworkConfig   `toml:"network"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
}

type NodeConfig struct {
	ID     string `toml:"id"`
	Listen string `toml:"listen"`
}

// NetworkConfig mirrors node.Config with millisecond integers.
type NetworkConfig struct {
	HeartbeatIntervalMs   int64 `toml:"heartbeat_interval_ms"`
	GracePeriodMultiplier int   `toml:"grace_period_multiplier"`
	MaxReconnectAttempts  int   `toml:"max_reconnect_attempts"`
	BaseBackoffMs         int64 `toml:"base_backoff_ms"`
	MaxBackoffMs          int64 `toml:"max_backoff_ms"`
	SendTimeoutMs         int64 `toml:"send_timeout_ms"`
	HandshakeTimeoutMs    int64 `toml:"handshake_timeout_ms"`
	OutboundQueueSize     int   `toml:"outbound_queue_size"`
	InboundQueueSize      int   `toml:"inbound_queue_size"`
	DiscoveryIntervalMs   int64 `toml:"discovery_interval_ms"`
	MaxBootstrapFailures  int   `toml:"max_bootstrap_failures"`
}

type BootstrapConfig struct {
	Addr string `toml:"addr"`
}

type APIConfig struct {
	Addr string `toml:"addr"` // empty disables the admin api
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration for a fresh node with a random ID.
func Default() Config {
	d := node.DefaultConfig()
	return Config{
		Node: NodeConfig{
			ID:     "node-" + uuid.New().String()[:8],
			Listen: "127.0.0.1:9000",
		},
		Network: NetworkConfig{
			HeartbeatIntervalMs:   d.HeartbeatInterval.Milliseconds(),
			GracePeriodMultiplier: d.GracePeriodMultiplier,
			MaxReconnectAttempts:  d.MaxReconnectAttempts,
			BaseBackoffMs:         d.BaseBackoff.Milliseconds(),
			MaxBackoffMs:          d.MaxBackoff.Milliseconds(),
			SendTimeoutMs:         d.SendTimeout.Milliseconds(),
			HandshakeTimeoutMs:    d.HandshakeTimeout.Milliseconds(),
			OutboundQueueSize:     d.OutboundQueueSize,
			InboundQueueSize:      d.InboundQueueSize,
			DiscoveryIntervalMs:   DefaultDiscoveryInterval.Milliseconds(),
			MaxBootstrapFailures:  d.MaxBootstrapFailures,
		},
		Bootstrap: BootstrapConfig{
			Addr: "127.0.0.1:8080",
		},
		API: APIConfig{
			Addr: "127.0.0.1:9100",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Keys missing from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("parse config %s: unknown keys %v", path, undecoded)
	}
	if _, err := cfg.LogLevel(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as TOML, creating or truncating path.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// LogLevel parses Logging.Level.
func (c Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLogLevel, c.Logging.Level)
}

// NodeConfig converts the file settings into a node.Config. Validation is
// left to node.New.
func (c Config) NodeConfig() node.Config {
	level, _ := c.LogLevel()
	n := c.Network
	return node.Config{
		HeartbeatInterval:     ms(n.HeartbeatIntervalMs),
		GracePeriodMultiplier: n.GracePeriodMultiplier,
		MaxReconnectAttempts:  n.MaxReconnectAttempts,
		BaseBackoff:           ms(n.BaseBackoffMs),
		MaxBackoff:            ms(n.MaxBackoffMs),
		SendTimeout:           ms(n.SendTimeoutMs),
		HandshakeTimeout:      ms(n.HandshakeTimeoutMs),
		OutboundQueueSize:     n.OutboundQueueSize,
		InboundQueueSize:      n.InboundQueueSize,
		DiscoveryInterval:     ms(n.DiscoveryIntervalMs),
		MaxBootstrapFailures:  n.MaxBootstrapFailures,
		LogLevel:              level,
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
