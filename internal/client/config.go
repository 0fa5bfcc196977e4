package client

import (
	"time"

	"github.com/danmuck/smpctl/internal/protocol/packet"
)

// Config tunes a Client. Zero values defer to the transport.
type Config struct {
	// Timeout bounds each request from first send to decoded reply.
	Timeout time.Duration
	// MTU overrides the transport's packet size.
	MTU int
	// Framing overrides the transport's framing.
	Framing packet.Framing
	// ConnectAttempts caps Connect retries; <= 1 means a single try.
	ConnectAttempts int
	Backoff         BackoffConfig
}

type Option func(*Config)

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithMTU(mtu int) Option {
	return func(c *Config) { c.MTU = mtu }
}

func WithFraming(f packet.Framing) Option {
	return func(c *Config) { c.Framing = f }
}

// WithConnectRetry retries Connect up to attempts times, sleeping per
// backoff between tries. Useful while a device re-enumerates after reset.
func WithConnectRetry(attempts int, backoff BackoffConfig) Option {
	return func(c *Config) {
		c.ConnectAttempts = attempts
		c.Backoff = backoff
	}
}
