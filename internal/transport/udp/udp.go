// Package udp carries SMP over UDP datagrams, one raw packet per datagram.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smpctl/internal/protocol/packet"
	"github.com/danmuck/smpctl/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort = "1337"
	DefaultMTU  = packet.DefaultRawMTU

	defaultDialTimeout = 5 * time.Second
	defaultReadTimeout = 15 * time.Second
	maxDatagram        = 64 * 1024
)

// Config holds UDP transport tuning.
type Config struct {
	MTU         int
	DialTimeout time.Duration
	// ReadTimeout bounds a Read whose context carries no earlier deadline.
	ReadTimeout time.Duration
}

// DefaultConfig returns the defaults used by New.
func DefaultConfig() Config {
	return Config{
		MTU:         DefaultMTU,
		DialTimeout: defaultDialTimeout,
		ReadTimeout: defaultReadTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MTU <= 0 {
		c.MTU = def.MTU
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	return c
}

// Transport is a connected UDP socket to one device.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{cfg: cfg, buf: make([]byte, maxDatagram)}
}

// Connect dials address. A bare host gets the default SMP port.
func (t *Transport) Connect(ctx context.Context, address string) error {
	addr := withDefaultPort(address)
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("udp: dial %s: %w", addr, err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Debug().Str("addr", addr).Int("mtu", t.cfg.MTU).Msg("udp: connected")
	return nil
}

func (t *Transport) Send(ctx context.Context, p []byte) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	if len(p) > t.cfg.MTU {
		return fmt.Errorf("udp: packet of %d bytes exceeds mtu %d", len(p), t.cfg.MTU)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(p); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("udp: write: %w", err)
	}
	return nil
}

// Read returns the next datagram. Cancelling ctx unblocks the read.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.setReadDeadline(ctx, conn); err != nil {
		return nil, fmt.Errorf("udp: set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := conn.Read(t.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("udp: read: %w", err)
	}
	out := make([]byte, n)
	copy(out, t.buf[:n])
	return out, nil
}

// Flush drops datagrams already queued on the socket.
func (t *Transport) Flush(ctx context.Context) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	dropped := 0
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		if _, err := conn.Read(t.buf); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return fmt.Errorf("udp: flush: %w", err)
		}
		dropped++
	}
	if dropped > 0 {
		log.Debug().Int("datagrams", dropped).Msg("udp: flushed stale input")
	}
	return ctx.Err()
}

func (t *Transport) MTU() int { return t.cfg.MTU }

func (t *Transport) Framing() packet.Framing { return packet.Raw }

func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *Transport) connection() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, transport.ErrNotConnected
	}
	return t.conn, nil
}

func (t *Transport) setReadDeadline(ctx context.Context, conn net.Conn) error {
	deadline := time.Now().Add(t.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return conn.SetReadDeadline(deadline)
}

func withDefaultPort(address string) string {
	addr := strings.TrimSpace(address)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort)
}
