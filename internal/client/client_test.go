package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/smpctl/internal/protocol"
	"github.com/danmuck/smpctl/internal/protocol/header"
	"github.com/danmuck/smpctl/internal/protocol/message"
	"github.com/danmuck/smpctl/internal/protocol/osmgmt"
	"github.com/danmuck/smpctl/internal/protocol/packet"
	"github.com/danmuck/smpctl/internal/testutil/testlog"
)

func connect(t *testing.T, f *fakeTransport, opts ...Option) *Client {
	t.Helper()
	c, err := New(f, "fake0", opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

// replyFrame builds the device's answer to req with the given sequence,
// version and CBOR body.
func replyFrame(t *testing.T, req header.Header, seq uint8, version header.Version, body any) []byte {
	t.Helper()
	b, err := message.Marshal(body)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	h := header.Header{
		Op:       req.Op.Response(),
		Version:  version,
		Length:   uint16(len(b)),
		Group:    req.Group,
		Sequence: seq,
		Command:  req.Command,
	}
	return append(h.Encode(), b...)
}

func packets(t *testing.T, f packet.Framing, frame []byte, mtu int) [][]byte {
	t.Helper()
	out, err := f.Encode(frame, mtu)
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	return out
}

// rechunk splits packets into odd-sized reads to mimic a byte stream.
func rechunk(pkts [][]byte, size int) [][]byte {
	var stream []byte
	for _, p := range pkts {
		stream = append(stream, p...)
	}
	var out [][]byte
	for start := 0; start < len(stream); start += size {
		end := min(start+size, len(stream))
		out = append(out, stream[start:end])
	}
	return out
}

func TestRequestSuccessMatchingSequence(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Console)
	c := connect(t, f)

	req, err := osmgmt.Echo("hello", message.WithSequence(5))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	f.push(rechunk(packets(t, packet.Console, replyFrame(t, req.Header(), 5, header.V1, osmgmt.EchoResponse{R: "hello"}), 0), 7)...)

	res, err := Request(context.Background(), c, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.IsError() || res.Response.R != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := len(f.sentPackets()); got != 1 {
		t.Fatalf("expected one packet sent, got %d", got)
	}
	if f.addr != "fake0" {
		t.Fatalf("transport connected to %q", f.addr)
	}
}

func TestRequestSequenceMismatchSkipsBody(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f)

	req, err := osmgmt.Echo("hello", message.WithSequence(5))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	// The body is not CBOR at all; inspecting it would be a deserialization failure.
	h := req.Header()
	bad := header.Header{Op: h.Op.Response(), Version: header.V1, Length: 2, Group: h.Group, Sequence: 6, Command: h.Command}
	f.push(append(bad.Encode(), 0xff, 0xff))

	_, err = Request(context.Background(), c, req)
	if !errors.Is(err, protocol.ErrSequenceMismatch) {
		t.Fatalf("expected sequence mismatch, got %v", err)
	}
	if errors.Is(err, protocol.ErrDeserialization) {
		t.Fatalf("body must not be inspected on mismatch: %v", err)
	}
	var mismatch protocol.SequenceMismatchError
	if !errors.As(err, &mismatch) || mismatch.Want != 5 || mismatch.Got != 6 {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}
	var se *StateError
	if !errors.As(err, &se) || se.State != StateCorrelating {
		t.Fatalf("expected failure in correlating, got %v", err)
	}
}

func TestRequestVersionOneDeviceError(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Console)
	c := connect(t, f)

	req, err := osmgmt.Echo("hello", message.WithSequence(9))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	body := message.ErrorV1{Err: message.ErrorV1Detail{Group: header.GroupOS, RC: osmgmt.CodeInvalidFormat}}
	f.push(packets(t, packet.Console, replyFrame(t, req.Header(), 9, header.V1, body), 0)...)

	res, err := Request(context.Background(), c, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !res.IsError() {
		t.Fatalf("expected device error, got %+v", res)
	}
	if res.Err.Version != header.V1 || res.Err.Group != header.GroupOS || res.Err.RC != osmgmt.CodeInvalidFormat {
		t.Fatalf("unexpected unified error: %+v", res.Err)
	}
	if _, err := res.Get(); err == nil || !strings.Contains(err.Error(), "OS_MGMT_ERR_INVALID_FORMAT") {
		t.Fatalf("unexpected Get error: %v", err)
	}
}

func TestRequestMultiPacketBothDirections(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Console)
	c := connect(t, f)

	text := strings.Repeat("smp-", 150)
	req, err := osmgmt.Echo(text, message.WithSequence(200))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	reply := packets(t, packet.Console, replyFrame(t, req.Header(), 200, header.V1, osmgmt.EchoResponse{R: text}), 0)
	if len(reply) < 2 {
		t.Fatalf("reply should span several packets, got %d", len(reply))
	}
	f.push(rechunk(reply, 33)...)

	res, err := Request(context.Background(), c, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Response.R != text {
		t.Fatalf("echo mismatch: got %d bytes", len(res.Response.R))
	}
	sent := f.sentPackets()
	if len(sent) < 2 {
		t.Fatalf("request should span several packets, got %d", len(sent))
	}
	for i, p := range sent {
		if len(p) > packet.DefaultConsoleMTU {
			t.Fatalf("packet %d is %d bytes, over mtu", i, len(p))
		}
	}
}

func TestRequestTransportReadError(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f)
	f.readErr = io.ErrUnexpectedEOF

	req, err := osmgmt.Params(message.WithSequence(1))
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	_, err = Request(context.Background(), c, req)
	if !errors.Is(err, protocol.ErrTransport) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var te protocol.TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("unexpected transport error detail: %v", err)
	}
	if f.closed {
		t.Fatalf("request failure must not close the transport")
	}
}

func TestRequestSendError(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f)
	f.sendErr = io.ErrClosedPipe

	req, err := osmgmt.Reset(false)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	_, err = Request(context.Background(), c, req)
	var se *StateError
	if !errors.As(err, &se) || se.State != StateSending || !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected send failure, got %v", err)
	}
}

func TestRequestCancellationDiscardsLateReply(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f)

	first, err := osmgmt.Echo(strings.Repeat("x", 40), message.WithSequence(10))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	late := replyFrame(t, first.Header(), 10, header.V1, osmgmt.EchoResponse{R: strings.Repeat("x", 40)})
	f.push(late[:12])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := Request(ctx, c, first); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The rest of the abandoned reply shows up after the caller gave up.
	f.push(late[12:])
	second, err := osmgmt.Echo("ok", message.WithSequence(11))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	answer := replyFrame(t, second.Header(), 11, header.V1, osmgmt.EchoResponse{R: "ok"})
	f.onSend = func([]byte) { f.push(answer) }

	res, err := Request(context.Background(), c, second)
	if err != nil {
		t.Fatalf("request after cancel: %v", err)
	}
	if res.Response.R != "ok" {
		t.Fatalf("unexpected reply %+v", res)
	}
	if f.flushes != 1 {
		t.Fatalf("expected one flush before the next request, got %d", f.flushes)
	}
}

func TestClientTimeoutOption(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f, WithTimeout(20*time.Millisecond))
	req, err := osmgmt.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if _, err := Request(context.Background(), c, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestMalformedHeaderDoesNotPoisonNextRequest(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f)

	first, err := osmgmt.Params(message.WithSequence(3))
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	broken := replyFrame(t, first.Header(), 3, header.V1, osmgmt.ParamsResponse{BufSize: 1, BufCount: 1})
	broken[0] = broken[0]&^0x18 | 2<<3 // version 2 is not a protocol version
	f.push(broken)
	if _, err := Request(context.Background(), c, first); !errors.Is(err, protocol.ErrMalformedHeader) {
		t.Fatalf("expected malformed header, got %v", err)
	}

	second, err := osmgmt.Params(message.WithSequence(4))
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	answer := replyFrame(t, second.Header(), 4, header.V1, osmgmt.ParamsResponse{BufSize: 384, BufCount: 4})
	f.onSend = func([]byte) { f.push(answer) }
	res, err := Request(context.Background(), c, second)
	if err != nil {
		t.Fatalf("request after malformed reply: %v", err)
	}
	if res.Response.BufSize != 384 || res.Response.BufCount != 4 {
		t.Fatalf("unexpected params %+v", res.Response)
	}
}

func TestRequestDeserializationFailure(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c := connect(t, f)

	req, err := osmgmt.Echo("hi", message.WithSequence(7))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	f.push(replyFrame(t, req.Header(), 7, header.V1, map[string]int{"unexpected": 1}))
	_, err = Request(context.Background(), c, req)
	if !errors.Is(err, protocol.ErrDeserialization) {
		t.Fatalf("expected deserialization failure, got %v", err)
	}
	var de protocol.DeserializationError
	if !errors.As(err, &de) || de.Success == nil || de.Fallback == nil {
		t.Fatalf("expected both causes, got %+v", de)
	}
}

func TestRequestRequiresConnect(t *testing.T) {
	testlog.Start(t)
	f := newFake(packet.Raw)
	c, err := New(f, "fake0")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	req, err := osmgmt.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if _, err := Request(context.Background(), c, req); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := New(nil, "x"); !errors.Is(err, protocol.ErrInvalidTransport) {
		t.Fatalf("expected invalid transport, got %v", err)
	}
	if err := c.Close(); err != nil || !f.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestFramingAndMTUOverrides(t *testing.T) {
	f := newFake(packet.Raw)
	f.mtu = 64
	c, err := New(f, "fake0")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Framing().Name() != "raw" || c.mtu() != 64 {
		t.Fatalf("transport defaults not used: %s/%d", c.Framing().Name(), c.mtu())
	}
	c, err = New(f, "fake0", WithFraming(packet.Console), WithMTU(32))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Framing().Name() != "console" || c.mtu() != 32 {
		t.Fatalf("overrides not applied: %s/%d", c.Framing().Name(), c.mtu())
	}
	if StateAwaitingFrame.String() != "awaiting_frame" {
		t.Fatalf("unexpected state name %s", StateAwaitingFrame)
	}
}
