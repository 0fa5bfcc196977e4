package packet

import (
	"github.com/danmuck/smpctl/internal/protocol/header"
)

const DefaultRawMTU = 1024

// RawFraming sends frame bytes unmodified, cut at the MTU. The receiver finds
// the frame end from the SMP header length field.
type RawFraming struct{}

func (RawFraming) Name() string { return "raw" }

func (RawFraming) DefaultMTU() int { return DefaultRawMTU }

func (RawFraming) NewDecoder() Decoder { return &RawDecoder{} }

func (RawFraming) Encode(message []byte, mtu int) ([][]byte, error) {
	if mtu <= 0 {
		mtu = DefaultRawMTU
	}
	if len(message) == 0 {
		return [][]byte{{}}, nil
	}
	packets := make([][]byte, 0, (len(message)+mtu-1)/mtu)
	for start := 0; start < len(message); start += mtu {
		end := min(start+mtu, len(message))
		p := make([]byte, end-start)
		copy(p, message[start:end])
		packets = append(packets, p)
	}
	return packets, nil
}

// RawDecoder accumulates bytes until header.Size plus the declared body
// length is available.
type RawDecoder struct {
	buf      []byte
	expected int
}

func (d *RawDecoder) Reset() {
	d.buf = nil
	d.expected = 0
}

func (d *RawDecoder) Feed(chunk []byte) ([]byte, bool, error) {
	d.buf = append(d.buf, chunk...)
	if d.expected == 0 {
		if len(d.buf) < header.Size {
			return nil, false, nil
		}
		h, err := header.Decode(d.buf)
		if err != nil {
			d.Reset()
			return nil, false, err
		}
		d.expected = header.Size + int(h.Length)
	}
	if len(d.buf) < d.expected {
		return nil, false, nil
	}

	frame := make([]byte, d.expected)
	copy(frame, d.buf[:d.expected])
	rest := d.buf[d.expected:]
	d.Reset()
	if len(rest) > 0 {
		d.buf = append([]byte(nil), rest...)
	}
	return frame, true, nil
}
