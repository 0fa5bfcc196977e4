package client

import (
	"context"
	"sync"

	"github.com/danmuck/smpctl/internal/protocol/packet"
	"github.com/danmuck/smpctl/internal/transport"
)

// fakeTransport is an in-memory device link. Read pops queued chunks and
// blocks on ctx when the queue is empty.
type fakeTransport struct {
	framing packet.Framing
	mtu     int

	mu      sync.Mutex
	queue   [][]byte
	notify  chan struct{}
	sent    [][]byte
	readErr error
	sendErr error
	flushes int
	closed  bool
	addr    string

	connects    int
	connectErrs []error
	// onSend runs after each packet is recorded, outside the lock.
	onSend func(p []byte)
}

func newFake(framing packet.Framing) *fakeTransport {
	return &fakeTransport{framing: framing, notify: make(chan struct{}, 1)}
}

func (f *fakeTransport) Connect(_ context.Context, address string) error {
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	f.addr = address
	return nil
}

func (f *fakeTransport) Send(_ context.Context, p []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		f.mu.Lock()
		if f.readErr != nil {
			err := f.readErr
			f.mu.Unlock()
			return nil, err
		}
		if len(f.queue) > 0 {
			next := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return next, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.notify:
		}
	}
}

func (f *fakeTransport) push(chunks ...[]byte) {
	f.mu.Lock()
	f.queue = append(f.queue, chunks...)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeTransport) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	f.queue = nil
	return nil
}

func (f *fakeTransport) MTU() int { return f.mtu }

func (f *fakeTransport) Framing() packet.Framing { return f.framing }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) sentPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

var (
	_ transport.Transport = (*fakeTransport)(nil)
	_ transport.Framer    = (*fakeTransport)(nil)
	_ transport.Flusher   = (*fakeTransport)(nil)
)
