package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.DefaultDepositWindow <= 0 {
		return fmt.Errorf("config: DefaultDepositWindow must be positive")
	}
	if c.DefaultSigningWindow <= 0 {
		return fmt.Errorf("config: DefaultSigningWindow must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: RateLimitPerMinute must be positive")
	}
	return nil
}
