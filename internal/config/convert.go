package config

import (
	"github.com/danmuck/smpctl/internal/client"
	"github.com/danmuck/smpctl/internal/logging"
	"github.com/danmuck/smpctl/internal/protocol/message"
	"github.com/danmuck/smpctl/internal/protocol/packet"
	"github.com/rs/zerolog"
)

// ClientOptions maps the file settings onto client options. Unset framing
// and mtu leave the transport defaults in place.
func (c Config) ClientOptions() []client.Option {
	opts := []client.Option{client.WithTimeout(c.Timeout)}
	if c.MTU > 0 {
		opts = append(opts, client.WithMTU(c.MTU))
	}
	if c.ConnectAttempts > 1 {
		opts = append(opts, client.WithConnectRetry(c.ConnectAttempts, client.DefaultBackoff()))
	}
	if c.Framing != "" {
		if f, err := packet.Lookup(c.Framing); err == nil {
			opts = append(opts, client.WithFraming(f))
		}
	}
	return opts
}

func (c Config) RequestOptions() []message.RequestOption {
	return []message.RequestOption{message.WithVersion(c.Version)}
}

// Level returns the configured log level, or info when unset.
func (c Config) Level() zerolog.Level {
	if lvl, ok := logging.ParseLevel(c.LogLevel); ok {
		return lvl
	}
	return zerolog.InfoLevel
}
