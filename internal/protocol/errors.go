package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by the protocol engine wraps exactly one
// of these so callers can branch with errors.Is.
var (
	ErrMalformedHeader  = errors.New("protocol: malformed header")
	ErrMalformedPacket  = errors.New("protocol: malformed packet")
	ErrTransport        = errors.New("protocol: transport error")
	ErrConnection       = errors.New("protocol: connection error")
	ErrSequenceMismatch = errors.New("protocol: sequence mismatch")
	ErrDeserialization  = errors.New("protocol: deserialization failure")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
	ErrInvalidTransport = errors.New("protocol: invalid transport")
)

// SequenceMismatchError reports a reply that does not belong to the
// outstanding request.
type SequenceMismatchError struct {
	Want uint8
	Got  uint8
}

func (e SequenceMismatchError) Error() string {
	return fmt.Sprintf("protocol: sequence mismatch: want=%d got=%d", e.Want, e.Got)
}

func (e SequenceMismatchError) Unwrap() error {
	return ErrSequenceMismatch
}

// TransportError wraps an I/O failure from the transport with the operation
// that produced it.
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("protocol: transport %s: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// DeserializationError carries the success-schema and error-schema causes
// for a body that matched neither.
type DeserializationError struct {
	Success  error
	Fallback error
}

func (e DeserializationError) Error() string {
	return fmt.Sprintf(
		"protocol: deserialization failure: success schema: %v; error schema: %v",
		e.Success,
		e.Fallback,
	)
}

func (e DeserializationError) Unwrap() error {
	return ErrDeserialization
}
