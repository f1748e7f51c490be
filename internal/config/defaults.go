package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort                = 8080
	DefaultProtocolVersion     = 3
	DefaultPingInterval        = 20 * time.Second
	DefaultReconnectAttempts   = 6
	DefaultReconnectDelay      = 4 * time.Second
	DefaultOrderCorrelationTTL = 12 * time.Second
	DefaultAsset               = "EURUSD-OTC"
	DefaultPriceScaled         = 10000
	DefaultHeartbeatInterval   = 15 * time.Second
)

// DefaultRateLimits mirrors spec.md §4.2's named rate-limited classes.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"candles":                  {Interval: 100 * time.Millisecond, Max: 1},
		"positions":                {Interval: 500 * time.Millisecond, Max: 2},
		"balance-changed":          {Interval: 500 * time.Millisecond, Max: 2},
		"client-buyback-generated": {Interval: 300 * time.Millisecond, Max: 3},
	}
}

func (c *ProxyConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Upstream.ProtocolVersion == 0 {
		c.Upstream.ProtocolVersion = DefaultProtocolVersion
	}
	if c.Upstream.PingInterval == 0 {
		c.Upstream.PingInterval = DefaultPingInterval
	}
	if c.Upstream.ReconnectAttempts == 0 {
		c.Upstream.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Upstream.ReconnectDelay == 0 {
		c.Upstream.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Upstream.OrderCorrelationTTL == 0 {
		c.Upstream.OrderCorrelationTTL = DefaultOrderCorrelationTTL
	}
	if c.Upstream.DefaultAsset == "" {
		c.Upstream.DefaultAsset = DefaultAsset
	}
	if c.Upstream.PriceScaled == 0 {
		c.Upstream.PriceScaled = DefaultPriceScaled
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RateLimits == nil {
		c.RateLimits = DefaultRateLimits()
	} else {
		for name, rl := range DefaultRateLimits() {
			if _, ok := c.RateLimits[name]; !ok {
				c.RateLimits[name] = rl
			}
		}
	}
}
