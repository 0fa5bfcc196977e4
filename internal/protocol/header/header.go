// Package header is the fixed 8-byte SMP message header.
//
// Byte layout:
//
//	  0        1      2  3     4  5     6     7
//	+--------+-------+------+--------+-----+-----+
//	|rsv|v|op| flags |length| group  | seq | cmd |
//	+--------+-------+------+--------+-----+-----+
//
// Byte 0 packs op in bits 0-2 and version in bits 3-4. Multi-byte fields are
// big endian.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smpctl/internal/protocol"
)

// Size is the fixed header length in bytes.
const Size = 8

const (
	opMask       = 0x07
	versionShift = 3
	versionMask  = 0x03
)

type Op uint8

const (
	OpRead     Op = 0
	OpReadRsp  Op = 1
	OpWrite    Op = 2
	OpWriteRsp Op = 3
)

// Response returns the op a device answers op with.
func (o Op) Response() Op {
	switch o {
	case OpRead:
		return OpReadRsp
	case OpWrite:
		return OpWriteRsp
	default:
		return o
	}
}

func (o Op) IsResponse() bool {
	return o == OpReadRsp || o == OpWriteRsp
}

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpReadRsp:
		return "read_rsp"
	case OpWrite:
		return "write"
	case OpWriteRsp:
		return "write_rsp"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Version selects the error body schema of a message.
type Version uint8

const (
	V0 Version = 0
	V1 Version = 1
)

func (v Version) Valid() bool {
	return v == V0 || v == V1
}

func (v Version) String() string {
	switch v {
	case V0:
		return "v0"
	case V1:
		return "v1"
	default:
		return fmt.Sprintf("version(%d)", uint8(v))
	}
}

// Group is a management group id.
type Group uint16

const (
	GroupOS       Group = 0
	GroupImage    Group = 1
	GroupStat     Group = 2
	GroupSettings Group = 3
	GroupLog      Group = 4
	GroupCrash    Group = 5
	GroupSplit    Group = 6
	GroupRun      Group = 7
	GroupFS       Group = 8
	GroupShell    Group = 9
	GroupEnum     Group = 10
	GroupPerUser  Group = 64
)

var groupNames = map[Group]string{
	GroupOS:       "os",
	GroupImage:    "image",
	GroupStat:     "stat",
	GroupSettings: "settings",
	GroupLog:      "log",
	GroupCrash:    "crash",
	GroupSplit:    "split",
	GroupRun:      "run",
	GroupFS:       "fs",
	GroupShell:    "shell",
	GroupEnum:     "enum",
}

func (g Group) String() string {
	if name, ok := groupNames[g]; ok {
		return name
	}
	if g >= GroupPerUser {
		return fmt.Sprintf("peruser(%d)", uint16(g))
	}
	return fmt.Sprintf("group(%d)", uint16(g))
}

// Header is the decoded SMP header.
type Header struct {
	Op       Op
	Version  Version
	Flags    uint8
	Length   uint16
	Group    Group
	Sequence uint8
	Command  uint8
}

// Encode serializes h. It is the inverse of Decode for every header Decode
// accepts.
func (h Header) Encode() []byte {
	buf := make([]byte, Size)
	buf[0] = byte(h.Op)&opMask | (byte(h.Version)&versionMask)<<versionShift
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.Group))
	buf[6] = h.Sequence
	buf[7] = h.Command
	return buf
}

// Decode parses the first Size bytes of b. Trailing bytes and the reserved
// bits of byte 0 are ignored.
func Decode(b []byte) (Header, error) {
	if len(b) < Size {
		return Header{}, fmt.Errorf("%w: need %d bytes, got %d", protocol.ErrMalformedHeader, Size, len(b))
	}
	h := Header{
		Op:       Op(b[0] & opMask),
		Version:  Version((b[0] >> versionShift) & versionMask),
		Flags:    b[1],
		Length:   binary.BigEndian.Uint16(b[2:4]),
		Group:    Group(binary.BigEndian.Uint16(b[4:6])),
		Sequence: b[6],
		Command:  b[7],
	}
	if !h.Version.Valid() {
		return Header{}, fmt.Errorf("%w: unsupported version %d", protocol.ErrMalformedHeader, h.Version)
	}
	return h, nil
}

// ParseFrame splits a complete frame into its header and body and checks the
// declared length against the body that follows.
func ParseFrame(frame []byte) (Header, []byte, error) {
	h, err := Decode(frame)
	if err != nil {
		return Header{}, nil, err
	}
	body := frame[Size:]
	if int(h.Length) != len(body) {
		return Header{}, nil, fmt.Errorf(
			"%w: declared length %d, body has %d bytes",
			protocol.ErrMalformedHeader,
			h.Length,
			len(body),
		)
	}
	return h, body, nil
}

func (h Header) String() string {
	return fmt.Sprintf(
		"Header{op=%s version=%s flags=0x%02x len=%d group=%s seq=%d cmd=%d}",
		h.Op,
		h.Version,
		h.Flags,
		h.Length,
		h.Group,
		h.Sequence,
		h.Command,
	)
}
