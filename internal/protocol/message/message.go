package message

import (
	"fmt"
	"sync/atomic"

	"github.com/danmuck/smpctl/internal/protocol"
	"github.com/danmuck/smpctl/internal/protocol/header"
)

var sequenceCounter atomic.Uint32

// NextSequence returns the next value of the process wide 8-bit sequence
// counter. It wraps after 255.
func NextSequence() uint8 {
	return uint8(sequenceCounter.Add(1) - 1)
}

type requestOptions struct {
	sequence    uint8
	hasSequence bool
	version     header.Version
	flags       uint8
}

type RequestOption func(*requestOptions)

// WithSequence pins the request sequence number instead of drawing one from
// NextSequence.
func WithSequence(seq uint8) RequestOption {
	return func(o *requestOptions) {
		o.sequence = seq
		o.hasSequence = true
	}
}

func WithVersion(v header.Version) RequestOption {
	return func(o *requestOptions) {
		o.version = v
	}
}

func WithFlags(flags uint8) RequestOption {
	return func(o *requestOptions) {
		o.flags = flags
	}
}

// Request is an immutable outbound SMP message. R is the success schema, E0
// and E1 are the error schemas for version 0 and version 1 replies.
type Request[R any, E0, E1 VersionedError] struct {
	header header.Header
	body   []byte
}

// NewRequest encodes payload as the CBOR body and fixes the header, including
// the sequence number, at construction time.
func NewRequest[R any, E0, E1 VersionedError](
	op header.Op,
	group header.Group,
	command uint8,
	payload any,
	opts ...RequestOption,
) (Request[R, E0, E1], error) {
	o := requestOptions{version: header.V1}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.version.Valid() {
		return Request[R, E0, E1]{}, fmt.Errorf("%w: unsupported version %d", protocol.ErrMalformedHeader, o.version)
	}
	if op.IsResponse() {
		return Request[R, E0, E1]{}, fmt.Errorf("message: request op must not be a response op: %s", op)
	}
	body, err := Marshal(payload)
	if err != nil {
		return Request[R, E0, E1]{}, fmt.Errorf("message: encode payload: %w", err)
	}
	if len(body) > 0xffff {
		return Request[R, E0, E1]{}, fmt.Errorf("%w: body %d bytes", protocol.ErrMessageTooLarge, len(body))
	}
	if !o.hasSequence {
		o.sequence = NextSequence()
	}
	return Request[R, E0, E1]{
		header: header.Header{
			Op:       op,
			Version:  o.version,
			Flags:    o.flags,
			Length:   uint16(len(body)),
			Group:    group,
			Sequence: o.sequence,
			Command:  command,
		},
		body: body,
	}, nil
}

func (r Request[R, E0, E1]) Header() header.Header {
	return r.header
}

func (r Request[R, E0, E1]) Sequence() uint8 {
	return r.header.Sequence
}

// Body returns a copy of the encoded CBOR body.
func (r Request[R, E0, E1]) Body() []byte {
	return append([]byte(nil), r.body...)
}

// Bytes returns the complete frame: header followed by body.
func (r Request[R, E0, E1]) Bytes() []byte {
	out := make([]byte, 0, header.Size+len(r.body))
	out = append(out, r.header.Encode()...)
	return append(out, r.body...)
}

// Decode interprets a complete reply frame.
func (r Request[R, E0, E1]) Decode(frame []byte) (Result[R], error) {
	h, body, err := header.ParseFrame(frame)
	if err != nil {
		return Result[R]{}, err
	}
	return r.DecodeBody(h, body)
}

// DecodeBody interprets a reply body whose header has already been parsed.
// The success schema is always tried first; only when it fails is the error
// schema for h.Version tried.
func (r Request[R, E0, E1]) DecodeBody(h header.Header, body []byte) (Result[R], error) {
	rsp, successErr := r.decodeSuccess(h, body)
	if successErr == nil {
		return Result[R]{Response: rsp}, nil
	}
	devErr, fallbackErr := Flatten[E0, E1](h, body)
	if fallbackErr != nil {
		return Result[R]{}, protocol.DeserializationError{Success: successErr, Fallback: fallbackErr}
	}
	return Result[R]{Err: &devErr}, nil
}

func (r Request[R, E0, E1]) decodeSuccess(h header.Header, body []byte) (R, error) {
	var rsp R
	if h.Op != r.header.Op.Response() || h.Group != r.header.Group || h.Command != r.header.Command {
		return rsp, ValidationError{
			Schema: schemaName(&rsp),
			Reason: fmt.Sprintf(
				"header op=%s group=%s cmd=%d does not answer op=%s group=%s cmd=%d",
				h.Op, h.Group, h.Command,
				r.header.Op, r.header.Group, r.header.Command,
			),
		}
	}
	if err := decodeSchema(body, &rsp, true); err != nil {
		var zero R
		return zero, err
	}
	return rsp, nil
}

func (r Request[R, E0, E1]) String() string {
	return fmt.Sprintf("Request{%s body=%dB}", r.header, len(r.body))
}

// Result is the outcome of a request that produced a well formed reply:
// either Response or, when the device answered with an error body, Err.
type Result[R any] struct {
	Response R
	Err      *Error
}

func (r Result[R]) IsError() bool {
	return r.Err != nil
}

// Get returns the response, or the device error as an error value.
func (r Result[R]) Get() (R, error) {
	if r.Err != nil {
		var zero R
		return zero, *r.Err
	}
	return r.Response, nil
}
