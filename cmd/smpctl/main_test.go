package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/smpctl/internal/protocol/header"
	"github.com/danmuck/smpctl/internal/protocol/message"
	"github.com/danmuck/smpctl/internal/protocol/osmgmt"
	"github.com/danmuck/smpctl/internal/testutil/testlog"
	"github.com/fxamacker/cbor/v2"
)

// fakeDevice answers one UDP request per datagram using answer.
func fakeDevice(t *testing.T, answer func(h header.Header, body []byte) (header.Version, any)) string {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			h, body, err := header.ParseFrame(buf[:n])
			if err != nil {
				continue
			}
			version, reply := answer(h, body)
			b, err := message.Marshal(reply)
			if err != nil {
				continue
			}
			rh := header.Header{
				Op:       h.Op.Response(),
				Version:  version,
				Length:   uint16(len(b)),
				Group:    h.Group,
				Sequence: h.Sequence,
				Command:  h.Command,
			}
			_, _ = pc.WriteToUDP(append(rh.Encode(), b...), from)
		}
	}()
	return pc.LocalAddr().String()
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestEchoOverUDP(t *testing.T) {
	testlog.Start(t)
	addr := fakeDevice(t, func(h header.Header, body []byte) (header.Version, any) {
		var p osmgmt.EchoPayload
		_ = cbor.Unmarshal(body, &p)
		return h.Version, osmgmt.EchoResponse{R: p.D}
	})
	metrics := filepath.Join(t.TempDir(), "smpctl.prom")

	code, out, errOut := runCLI(t, "-addr", addr, "-timeout", "2s", "-metrics", metrics, "echo", "hello", "device")
	if code != exitOK {
		t.Fatalf("exit %d stderr=%s", code, errOut)
	}
	if strings.TrimSpace(out) != "hello device" {
		t.Fatalf("unexpected echo output %q", out)
	}
	if _, err := os.Stat(metrics); err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
}

func TestDeviceErrorExitCode(t *testing.T) {
	testlog.Start(t)
	addr := fakeDevice(t, func(h header.Header, _ []byte) (header.Version, any) {
		return header.V1, message.ErrorV1{Err: message.ErrorV1Detail{Group: h.Group, RC: osmgmt.CodeUnknown}}
	})
	code, _, errOut := runCLI(t, "-addr", addr, "-timeout", "2s", "reset", "-force")
	if code != exitDeviceError {
		t.Fatalf("expected device error exit, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(errOut, "OS_MGMT_ERR_UNKNOWN") {
		t.Fatalf("device error should name the return code: %s", errOut)
	}
}

func TestTimeoutIsProtocolFailure(t *testing.T) {
	testlog.Start(t)
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()
	code, _, errOut := runCLI(t, "-addr", pc.LocalAddr().String(), "-timeout", "50ms", "params")
	if code != exitFailure || !strings.Contains(errOut, "timed out") {
		t.Fatalf("expected timeout failure, got %d stderr=%s", code, errOut)
	}
}

func TestInitWritesTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "smpctl.toml")
	if code, _, errOut := runCLI(t, "-config", path, "init", "serial"); code != exitOK {
		t.Fatalf("init exit %d: %s", code, errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), `transport = "serial"`) {
		t.Fatalf("unexpected template: %s err=%v", data, err)
	}
	if code, _, _ := runCLI(t, "-config", path, "init"); code != exitFailure {
		t.Fatalf("init over an existing file should fail without -force")
	}
}

func TestUsageErrors(t *testing.T) {
	testlog.Start(t)
	if code, _, _ := runCLI(t); code != exitUsage {
		t.Fatalf("no command: exit %d", code)
	}
	if code, _, _ := runCLI(t, "-transport", "ble", "echo", "x"); code != exitUsage {
		t.Fatalf("bad transport: exit %d", code)
	}
	for _, v := range []string{"3", "257", "-1"} {
		if code, _, errOut := runCLI(t, "-smp-version", v, "echo", "x"); code != exitUsage {
			t.Fatalf("version %s: exit %d stderr=%s", v, code, errOut)
		}
	}
}
