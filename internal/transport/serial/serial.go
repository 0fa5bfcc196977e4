// Package serial carries console framed SMP over a serial port.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smpctl/internal/protocol/packet"
	"github.com/danmuck/smpctl/internal/transport"
	"github.com/rs/zerolog/log"
	bugserial "go.bug.st/serial"
)

const (
	DefaultBaudRate = 115200
	DefaultMTU      = packet.DefaultConsoleMTU

	// pollInterval bounds how long a blocked Read waits before checking ctx.
	pollInterval = 50 * time.Millisecond
	readBufSize  = 4096
)

// Config holds serial port settings.
type Config struct {
	BaudRate int
	MTU      int
}

func DefaultConfig() Config {
	return Config{BaudRate: DefaultBaudRate, MTU: DefaultMTU}
}

func (c Config) withDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	return c
}

// port is the subset of go.bug.st/serial.Port the transport uses.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type opener func(name string, baud int) (port, error)

func openDevice(name string, baud int) (port, error) {
	p, err := bugserial.Open(name, &bugserial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Transport is an open serial port to one device.
type Transport struct {
	cfg  Config
	open opener

	mu   sync.Mutex
	port port
	buf  []byte
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:  cfg.withDefaults(),
		open: openDevice,
		buf:  make([]byte, readBufSize),
	}
}

// Connect opens the named port, e.g. /dev/ttyACM0 or COM3.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := strings.TrimSpace(address)
	if name == "" {
		return fmt.Errorf("serial: port name required")
	}
	p, err := t.open(name, t.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		_ = p.Close()
		return fmt.Errorf("serial: set read timeout: %w", err)
	}

	t.mu.Lock()
	old := t.port
	t.port = p
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Debug().Str("port", name).Int("baud", t.cfg.BaudRate).Msg("serial: connected")
	return nil
}

func (t *Transport) Send(ctx context.Context, p []byte) error {
	sp, err := t.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := sp.Write(p); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

// Read polls the port until bytes arrive or ctx is done. Chunks carry
// whatever the driver had buffered and may split or join console lines.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	sp, err := t.current()
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := sp.Read(t.buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, t.buf[:n])
			return out, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, transport.ErrClosed
			}
			var pe *bugserial.PortError
			if errors.As(err, &pe) && pe.Code() == bugserial.PortClosed {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("serial: read: %w", err)
		}
	}
}

func (t *Transport) Flush(ctx context.Context) error {
	sp, err := t.current()
	if err != nil {
		return err
	}
	if err := sp.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial: flush: %w", err)
	}
	return ctx.Err()
}

func (t *Transport) MTU() int { return t.cfg.MTU }

func (t *Transport) Framing() packet.Framing { return packet.Console }

func (t *Transport) Close() error {
	t.mu.Lock()
	p := t.port
	t.port = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

func (t *Transport) current() (port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, transport.ErrNotConnected
	}
	return t.port, nil
}

// Ports lists serial ports visible to the host.
func Ports() ([]string, error) {
	return bugserial.GetPortsList()
}
