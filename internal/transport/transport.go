// Package transport defines the byte-stream capability the client session
// drives. Implementations own connection state; the session never closes a
// transport on a request failure.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/smpctl/internal/protocol/packet"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Transport moves opaque packets to a device and opaque chunks back.
// Read blocks until a chunk arrives or ctx is done.
type Transport interface {
	Connect(ctx context.Context, address string) error
	Send(ctx context.Context, packet []byte) error
	Read(ctx context.Context) ([]byte, error)
	MTU() int
	Close() error
}

// Framer is implemented by transports that need a framing other than the
// console encoding.
type Framer interface {
	Framing() packet.Framing
}

// Flusher discards input that arrived after a request was abandoned.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FramingOf returns the framing a transport expects.
func FramingOf(t Transport) packet.Framing {
	if f, ok := t.(Framer); ok {
		if fr := f.Framing(); fr != nil {
			return fr
		}
	}
	return packet.Console
}

// Flush drains t when it supports flushing and is a no-op otherwise.
func Flush(ctx context.Context, t Transport) error {
	if f, ok := t.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}
