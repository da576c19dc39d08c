package httpservice

import (
	"fmt"
	"time"
)

type Config struct {
	Port uint32
	// requests per second allowed to every client ip, 0 disables the limit
	RateLimit float64
	RateBurst int
	// upper bound of the ?wait param of the outpoint endpoint
	MaxWait    time.Duration
	NoMetrics  bool
	EnableCors bool
}

func (c Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("missing port")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive when rate limit is set")
	}
	return nil
}

func (c Config) address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) maxWait() time.Duration {
	if c.MaxWait <= 0 {
		return time.Minute
	}
	return c.MaxWait
}
