// Package packet splits SMP frames into transport-sized packets and
// reassembles received chunks back into frames.
package packet

import (
	"fmt"
	"strings"
)

// Decoder is the long-lived reassembly state for one frame at a time. Feed
// returns done=false until a whole frame has accumulated, then yields it and
// resets. Any error also resets, so a failed frame never leaks into the next.
type Decoder interface {
	Feed(chunk []byte) (frame []byte, done bool, err error)
	Reset()
}

// Framing is a packet format: how a frame is cut into packets and how the
// receiving side finds frame boundaries again.
type Framing interface {
	Name() string
	// Encode splits message into packets no larger than mtu bytes. mtu <= 0
	// selects the framing default.
	Encode(message []byte, mtu int) ([][]byte, error)
	NewDecoder() Decoder
	DefaultMTU() int
}

var (
	Console Framing = ConsoleFraming{}
	Raw     Framing = RawFraming{}
)

// Lookup returns the framing registered under name.
func Lookup(name string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "console", "serial":
		return Console, nil
	case "raw":
		return Raw, nil
	default:
		return nil, fmt.Errorf("packet: unknown framing %q", name)
	}
}
