package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes reported by the client session.
const (
	OutcomeOK               = "ok"
	OutcomeDeviceError      = "device_error"
	OutcomeTransport        = "transport"
	OutcomeSequenceMismatch = "sequence_mismatch"
	OutcomeMalformed        = "malformed"
	OutcomeDeserialization  = "deserialization"
	OutcomeCancelled        = "cancelled"
	OutcomeFailed           = "failed"
)

var (
	registerOnce sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smpctl",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "SMP requests by group, command and outcome.",
		},
		[]string{"group", "command", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smpctl",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "SMP request round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"group", "command", "outcome"},
	)
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smpctl",
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Packets written to the transport.",
		},
		[]string{"framing"},
	)
	chunksRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smpctl",
			Subsystem: "transport",
			Name:      "chunks_read_total",
			Help:      "Chunks read from the transport.",
		},
		[]string{"framing"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requests, requestDuration, packetsSent, chunksRead)
	})
}

func RecordRequest(group string, command uint8, outcome string, duration time.Duration) {
	RegisterMetrics()
	cmd := strconv.Itoa(int(command))
	requests.WithLabelValues(group, cmd, outcome).Inc()
	requestDuration.WithLabelValues(group, cmd, outcome).Observe(duration.Seconds())
}

func RecordPacketsSent(framing string, n int) {
	RegisterMetrics()
	packetsSent.WithLabelValues(framing).Add(float64(n))
}

func RecordChunkRead(framing string) {
	RegisterMetrics()
	chunksRead.WithLabelValues(framing).Inc()
}
