package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/smpctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(requests.WithLabelValues("os", "0", OutcomeOK))
	RecordRequest("os", 0, OutcomeOK, 12*time.Millisecond)
	if got := testutil.ToFloat64(requests.WithLabelValues("os", "0", OutcomeOK)); got != before+1 {
		t.Fatalf("requests_total: want %v got %v", before+1, got)
	}

	sentBefore := testutil.ToFloat64(packetsSent.WithLabelValues("console"))
	RecordPacketsSent("console", 3)
	if got := testutil.ToFloat64(packetsSent.WithLabelValues("console")); got != sentBefore+3 {
		t.Fatalf("packets_sent_total: want %v got %v", sentBefore+3, got)
	}

	readBefore := testutil.ToFloat64(chunksRead.WithLabelValues("raw"))
	RecordChunkRead("raw")
	if got := testutil.ToFloat64(chunksRead.WithLabelValues("raw")); got != readBefore+1 {
		t.Fatalf("chunks_read_total: want %v got %v", readBefore+1, got)
	}
}

func TestWriteTextfile(t *testing.T) {
	if err := WriteTextfile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	RecordRequest("os", 5, OutcomeDeviceError, time.Millisecond)
	path := filepath.Join(t.TempDir(), "smpctl.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "smpctl_client_requests_total") {
		t.Fatalf("textfile missing request counter:\n%s", data)
	}
}
