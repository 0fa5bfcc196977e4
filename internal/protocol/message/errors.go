package message

import (
	"fmt"

	"github.com/danmuck/smpctl/internal/protocol/header"
)

// ReturnCode is the management return code carried by error bodies.
type ReturnCode int

const (
	CodeOK ReturnCode = iota
	CodeUnknown
	CodeNoMemory
	CodeInvalid
	CodeTimeout
	CodeNotFound
	CodeBadState
	CodeMsgSize
	CodeNotSupported
	CodeCorrupt
	CodeBusy
	CodeAccessDenied
	CodeTooOld
	CodeTooNew

	CodePerUser ReturnCode = 256
)

var codeNames = map[ReturnCode]string{
	CodeOK:           "EOK",
	CodeUnknown:      "EUNKNOWN",
	CodeNoMemory:     "ENOMEM",
	CodeInvalid:      "EINVAL",
	CodeTimeout:      "ETIMEOUT",
	CodeNotFound:     "ENOENT",
	CodeBadState:     "EBADSTATE",
	CodeMsgSize:      "EMSGSIZE",
	CodeNotSupported: "ENOTSUP",
	CodeCorrupt:      "ECORRUPT",
	CodeBusy:         "EBUSY",
	CodeAccessDenied: "EACCESSDENIED",
	CodeTooOld:       "UNSUPPORTED_TOO_OLD",
	CodeTooNew:       "UNSUPPORTED_TOO_NEW",
}

func (c ReturnCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	if c >= CodePerUser {
		return fmt.Sprintf("EPERUSER+%d", int(c-CodePerUser))
	}
	return fmt.Sprintf("rc(%d)", int(c))
}

// Error is the version independent device error every error body flattens
// into.
type Error struct {
	Version header.Version
	Group   header.Group
	RC      ReturnCode
	Reason  string
}

func (e Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("smp %s error: group=%s rc=%s (%d): %s", e.Version, e.Group, e.RC, int(e.RC), e.Reason)
	}
	return fmt.Sprintf("smp %s error: group=%s rc=%s (%d)", e.Version, e.Group, e.RC, int(e.RC))
}

// VersionedError is an error body schema that can be flattened.
type VersionedError interface {
	Flatten(h header.Header) Error
}

// ErrorV0 is the version 0 error body: {"rc": int, "rsn"?: text}. The group
// is implied by the header.
type ErrorV0 struct {
	RC  ReturnCode `cbor:"rc"`
	RSN string     `cbor:"rsn,omitempty"`
}

func (e ErrorV0) Flatten(h header.Header) Error {
	return Error{Version: header.V0, Group: h.Group, RC: e.RC, Reason: e.RSN}
}

// ErrorV1 is the version 1 error body: {"err": {"group": uint, "rc": int}}.
type ErrorV1 struct {
	Err ErrorV1Detail `cbor:"err"`
}

type ErrorV1Detail struct {
	Group header.Group `cbor:"group"`
	RC    ReturnCode   `cbor:"rc"`
}

func (e ErrorV1) Flatten(header.Header) Error {
	return Error{Version: header.V1, Group: e.Err.Group, RC: e.Err.RC}
}

// Flatten decodes body with the error schema the header version selects and
// normalizes it. E0 and E1 are the schemas for V0 and V1 respectively.
func Flatten[E0, E1 VersionedError](h header.Header, body []byte) (Error, error) {
	switch h.Version {
	case header.V0:
		var e E0
		if err := decodeSchema(body, &e, false); err != nil {
			return Error{}, err
		}
		return e.Flatten(h), nil
	case header.V1:
		var e E1
		if err := decodeSchema(body, &e, false); err != nil {
			return Error{}, err
		}
		return e.Flatten(h), nil
	default:
		return Error{}, ValidationError{Schema: "error", Reason: fmt.Sprintf("no error schema for %s", h.Version)}
	}
}
