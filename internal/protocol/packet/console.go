package packet

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smpctl/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"
)

const (
	DefaultConsoleMTU = 127

	markerSize = 2
	lengthSize = 2
	crcSize    = 2

	// maxPendingLine bounds buffered bytes that have not yet seen a newline.
	maxPendingLine = 4096
)

var (
	startMarker    = []byte{0x06, 0x09}
	continueMarker = []byte{0x04, 0x14}
	lineEnd        = byte('\n')

	crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)
)

// ConsoleFraming is the line-oriented SMP console format used over serial
// links and shells:
//
//	packet  = length(u16) || frame || crc16-xmodem(frame)(u16)
//	lines   = base64(packet) cut into chunks
//	line[0] = 0x06 0x09 chunk '\n'
//	line[n] = 0x04 0x14 chunk '\n'
//
// Chunks are a multiple of four base64 characters so every line decodes on
// its own.
type ConsoleFraming struct{}

func (ConsoleFraming) Name() string { return "console" }

func (ConsoleFraming) DefaultMTU() int { return DefaultConsoleMTU }

func (ConsoleFraming) NewDecoder() Decoder { return NewConsoleDecoder() }

func (ConsoleFraming) Encode(message []byte, mtu int) ([][]byte, error) {
	if mtu <= 0 {
		mtu = DefaultConsoleMTU
	}
	chunkLen := (mtu - markerSize - 1) / 4 * 4
	if chunkLen < 4 {
		return nil, fmt.Errorf("packet: console mtu %d too small", mtu)
	}
	if len(message)+crcSize > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrMessageTooLarge, len(message))
	}

	raw := make([]byte, lengthSize, lengthSize+len(message)+crcSize)
	binary.BigEndian.PutUint16(raw, uint16(len(message)+crcSize))
	raw = append(raw, message...)
	raw = binary.BigEndian.AppendUint16(raw, crc16.Checksum(message, crcTable))

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(encoded, raw)

	packets := make([][]byte, 0, len(encoded)/chunkLen+1)
	marker := startMarker
	for len(encoded) > 0 {
		n := min(chunkLen, len(encoded))
		line := make([]byte, 0, markerSize+n+1)
		line = append(line, marker...)
		line = append(line, encoded[:n]...)
		line = append(line, lineEnd)
		packets = append(packets, line)
		encoded = encoded[n:]
		marker = continueMarker
	}
	return packets, nil
}

// ConsoleDecoder reassembles console lines. Chunks may split or merge lines
// arbitrarily; lines outside a frame that carry no start marker are treated
// as console noise and dropped.
type ConsoleDecoder struct {
	pending  []byte
	raw      []byte
	expected int
	started  bool
}

func NewConsoleDecoder() *ConsoleDecoder {
	return &ConsoleDecoder{expected: -1}
}

func (d *ConsoleDecoder) Reset() {
	d.pending = nil
	d.resetFrame()
}

func (d *ConsoleDecoder) resetFrame() {
	d.raw = nil
	d.expected = -1
	d.started = false
}

func (d *ConsoleDecoder) Feed(chunk []byte) ([]byte, bool, error) {
	d.pending = append(d.pending, chunk...)
	for {
		idx := bytes.IndexByte(d.pending, lineEnd)
		if idx < 0 {
			if len(d.pending) > maxPendingLine {
				d.Reset()
				return nil, false, fmt.Errorf("%w: line exceeds %d bytes", protocol.ErrMalformedPacket, maxPendingLine)
			}
			return nil, false, nil
		}
		line := bytes.TrimSuffix(d.pending[:idx], []byte{'\r'})
		d.pending = d.pending[idx+1:]

		frame, done, err := d.consumeLine(line)
		if err != nil {
			d.Reset()
			return nil, false, err
		}
		if done {
			d.resetFrame()
			if len(d.pending) == 0 {
				d.pending = nil
			}
			return frame, true, nil
		}
	}
}

func (d *ConsoleDecoder) consumeLine(line []byte) ([]byte, bool, error) {
	switch {
	case bytes.HasPrefix(line, startMarker):
		if d.started {
			return nil, false, fmt.Errorf("%w: start marker inside frame", protocol.ErrMalformedPacket)
		}
		d.started = true
	case bytes.HasPrefix(line, continueMarker):
		if !d.started {
			log.Debug().Int("bytes", len(line)).Msg("packet.ConsoleDecoder drop orphan continuation")
			return nil, false, nil
		}
	default:
		if d.started {
			return nil, false, fmt.Errorf("%w: missing continuation marker", protocol.ErrMalformedPacket)
		}
		log.Debug().Int("bytes", len(line)).Msg("packet.ConsoleDecoder drop console noise")
		return nil, false, nil
	}

	body := line[markerSize:]
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(decoded, body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: base64: %v", protocol.ErrMalformedPacket, err)
	}
	d.raw = append(d.raw, decoded[:n]...)

	if d.expected < 0 && len(d.raw) >= lengthSize {
		d.expected = int(binary.BigEndian.Uint16(d.raw[:lengthSize]))
		if d.expected < crcSize {
			return nil, false, fmt.Errorf("%w: declared length %d", protocol.ErrMalformedPacket, d.expected)
		}
	}
	if d.expected < 0 {
		return nil, false, nil
	}

	have := len(d.raw) - lengthSize
	if have < d.expected {
		return nil, false, nil
	}
	if have > d.expected {
		return nil, false, fmt.Errorf("%w: %d bytes past declared length", protocol.ErrMalformedPacket, have-d.expected)
	}

	payload := d.raw[lengthSize:]
	frame := payload[:len(payload)-crcSize]
	want := binary.BigEndian.Uint16(payload[len(payload)-crcSize:])
	if got := crc16.Checksum(frame, crcTable); got != want {
		return nil, false, fmt.Errorf("%w: crc mismatch: got=0x%04x want=0x%04x", protocol.ErrMalformedPacket, got, want)
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, true, nil
}
