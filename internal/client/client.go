// Package client drives one SMP request at a time over a transport:
// encode, send every packet, reassemble the reply, correlate it by sequence
// number and hand the frame to the request's contract for decoding.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smpctl/internal/observability"
	"github.com/danmuck/smpctl/internal/protocol"
	"github.com/danmuck/smpctl/internal/protocol/header"
	"github.com/danmuck/smpctl/internal/protocol/message"
	"github.com/danmuck/smpctl/internal/protocol/packet"
	"github.com/danmuck/smpctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// Client owns one transport. Requests are serialized by an internal lock;
// the protocol has no way to tell two interleaved replies apart beyond the
// sequence number, so there is no pipelining.
type Client struct {
	transport transport.Transport
	address   string
	cfg       Config
	framing   packet.Framing
	rng       *rand.Rand

	mu        sync.Mutex
	connected bool
	// dirty is set when a request is abandoned with reply bytes possibly
	// still in flight. The next request flushes the transport first.
	dirty bool
}

func New(t transport.Transport, address string, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("client: %w: nil transport", protocol.ErrInvalidTransport)
	}
	var cfg Config
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	framing := cfg.Framing
	if framing == nil {
		framing = transport.FramingOf(t)
	}
	return &Client{
		transport: t,
		address:   strings.TrimSpace(address),
		cfg:       cfg,
		framing:   framing,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect opens the transport to the client's address.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var attempt int
	for {
		attempt++
		err := c.transport.Connect(ctx, c.address)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt >= c.cfg.ConnectAttempts {
			return fmt.Errorf("client: connect %s: %w: %w", c.address, protocol.ErrConnection, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.address).Msg("client: connect failed")
		if err := sleepBackoff(ctx, c.cfg.Backoff, attempt, c.rng); err != nil {
			return fmt.Errorf("client: connect %s: %w: %w", c.address, protocol.ErrConnection, err)
		}
	}
	c.connected = true
	c.dirty = false
	log.Debug().
		Str("addr", c.address).
		Str("framing", c.framing.Name()).
		Int("mtu", c.mtu()).
		Msg("client: connected")
	return nil
}

// Close closes the transport. Request failures never do this implicitly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.transport.Close()
}

func (c *Client) Address() string { return c.address }

func (c *Client) Framing() packet.Framing { return c.framing }

func (c *Client) mtu() int {
	if c.cfg.MTU > 0 {
		return c.cfg.MTU
	}
	if m := c.transport.MTU(); m > 0 {
		return m
	}
	return c.framing.DefaultMTU()
}

// Request sends req and waits for its reply. A device error is returned as
// a Result with Err set and a nil error; the error return is reserved for
// failures of the exchange itself.
func Request[R any, E0, E1 message.VersionedError](
	ctx context.Context,
	c *Client,
	req message.Request[R, E0, E1],
) (message.Result[R], error) {
	start := time.Now()
	h := req.Header()

	c.mu.Lock()
	defer c.mu.Unlock()

	reply, body, err := c.exchange(ctx, h, req.Bytes())
	if err != nil {
		observability.RecordRequest(h.Group.String(), h.Command, outcomeOf(err), time.Since(start))
		return message.Result[R]{}, err
	}

	res, err := req.DecodeBody(reply, body)
	if err != nil {
		err = c.fail(h, StateCorrelating, err)
		observability.RecordRequest(h.Group.String(), h.Command, outcomeOf(err), time.Since(start))
		return message.Result[R]{}, err
	}

	outcome := observability.OutcomeOK
	if res.IsError() {
		outcome = observability.OutcomeDeviceError
	}
	c.enter(h, StateDone)
	observability.RecordRequest(h.Group.String(), h.Command, outcome, time.Since(start))
	return res, nil
}

// exchange runs Sending, AwaitingFrame and the sequence check. On success it
// returns the reply header and body of a frame that belongs to h.
func (c *Client) exchange(ctx context.Context, h header.Header, frame []byte) (header.Header, []byte, error) {
	if !c.connected {
		return header.Header{}, nil, c.fail(h, StateIdle, fmt.Errorf("%w: %w", protocol.ErrConnection, transport.ErrNotConnected))
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if c.dirty {
		if err := transport.Flush(ctx, c.transport); err != nil {
			log.Warn().Err(err).Msg("client: flush stale input failed")
		}
		c.dirty = false
	}

	c.enter(h, StateSending)
	packets, err := c.framing.Encode(frame, c.mtu())
	if err != nil {
		return header.Header{}, nil, c.fail(h, StateSending, err)
	}
	for i, p := range packets {
		if err := c.transport.Send(ctx, p); err != nil {
			c.dirty = true
			return header.Header{}, nil, c.fail(h, StateSending, c.ioError(ctx, "send", err))
		}
		log.Trace().Int("packet", i).Int("bytes", len(p)).Msg("client: packet sent")
	}
	observability.RecordPacketsSent(c.framing.Name(), len(packets))

	c.enter(h, StateAwaitingFrame)
	decoder := c.framing.NewDecoder()
	var reply []byte
	for reply == nil {
		chunk, err := c.transport.Read(ctx)
		if err != nil {
			c.dirty = true
			return header.Header{}, nil, c.fail(h, StateAwaitingFrame, c.ioError(ctx, "read", err))
		}
		observability.RecordChunkRead(c.framing.Name())
		out, done, err := decoder.Feed(chunk)
		if err != nil {
			c.dirty = true
			return header.Header{}, nil, c.fail(h, StateAwaitingFrame, err)
		}
		if done {
			reply = out
		}
	}

	c.enter(h, StateCorrelating)
	rh, body, err := header.ParseFrame(reply)
	if err != nil {
		return header.Header{}, nil, c.fail(h, StateCorrelating, err)
	}
	if rh.Sequence != h.Sequence {
		c.dirty = true
		return header.Header{}, nil, c.fail(h, StateCorrelating, protocol.SequenceMismatchError{
			Want: h.Sequence,
			Got:  rh.Sequence,
		})
	}
	return rh, body, nil
}

// ioError keeps context cancellation distinct from transport failures.
func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return protocol.TransportError{Op: op, Err: err}
}

func (c *Client) enter(h header.Header, s State) {
	log.Debug().
		Str("state", s.String()).
		Str("group", h.Group.String()).
		Uint8("cmd", h.Command).
		Uint8("seq", h.Sequence).
		Msg("client: request")
}

func (c *Client) fail(h header.Header, s State, err error) error {
	log.Debug().
		Err(err).
		Str("state", StateFailed.String()).
		Str("failed_in", s.String()).
		Str("group", h.Group.String()).
		Uint8("cmd", h.Command).
		Uint8("seq", h.Sequence).
		Msg("client: request")
	return &StateError{State: s, Err: err}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCancelled
	case errors.Is(err, protocol.ErrSequenceMismatch):
		return observability.OutcomeSequenceMismatch
	case errors.Is(err, protocol.ErrDeserialization):
		return observability.OutcomeDeserialization
	case errors.Is(err, protocol.ErrMalformedHeader), errors.Is(err, protocol.ErrMalformedPacket):
		return observability.OutcomeMalformed
	case errors.Is(err, protocol.ErrTransport), errors.Is(err, protocol.ErrConnection):
		return observability.OutcomeTransport
	default:
		return observability.OutcomeFailed
	}
}
