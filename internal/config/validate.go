package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *ProxyConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	if c.Upstream.ReconnectAttempts < 0 {
		return errors.New("upstream.reconnect_attempts must be >= 0")
	}
	if len(c.Assets) == 0 {
		return errors.New("assets table must not be empty")
	}
	if _, ok := c.Assets[c.Upstream.DefaultAsset]; !ok {
		return fmt.Errorf("assets table missing default asset %q", c.Upstream.DefaultAsset)
	}
	for name, rl := range c.RateLimits {
		if rl.Max < 1 {
			return fmt.Errorf("rate_limits.%s.max must be >= 1", name)
		}
		if rl.Interval <= 0 {
			return fmt.Errorf("rate_limits.%s.interval must be > 0", name)
		}
	}
	return nil
}
