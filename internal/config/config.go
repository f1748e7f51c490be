// Package config loads and validates the proxy's YAML configuration.
package config

import "time"

// ProxyConfig is the root configuration for the fan-out proxy.
type ProxyConfig struct {
	Server    ServerConfig              `yaml:"server"`
	Upstream  UpstreamConfig            `yaml:"upstream"`
	Session   SessionConfig             `yaml:"session"`
	Assets    map[string]int            `yaml:"assets"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

// ServerConfig controls the downstream HTTP/WebSocket listener.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// UpstreamConfig controls the upstream WebSocket link every Session
// Mediator dials (one link per session, same URL and policy).
type UpstreamConfig struct {
	URL                 string        `yaml:"url"`
	ProtocolVersion     int           `yaml:"protocol_version"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	ReconnectAttempts   int           `yaml:"reconnect_attempts"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
	OrderCorrelationTTL time.Duration `yaml:"order_correlation_ttl"`
	DefaultAsset        string        `yaml:"default_asset"`
	PriceScaled         int           `yaml:"price_scaled"`
}

// SessionConfig controls per-session housekeeping.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RateLimitConfig configures one Event Aggregator class: at most Max
// flushes are scheduled per Interval, and each flush carries the latest
// payload admitted before it fires.
type RateLimitConfig struct {
	Interval time.Duration `yaml:"interval"`
	Max      int           `yaml:"max"`
}
