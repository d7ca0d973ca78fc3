package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes used as the outcome label.
const (
	OutcomeOK               = "ok"
	OutcomeTimeout          = "timeout"
	OutcomeDisconnected     = "disconnected"
	OutcomeAccountMismatch  = "account_mismatch"
	OutcomeInvalidated      = "invalidated"
	OutcomeSendError        = "send_error"
	OutcomeCanceled         = "canceled"
	OutcomeHandshakeFailed  = "failed"
	OutcomeHandshakeTimeout = "timeout"
)

// Drop reasons used as the reason label.
const (
	DropMalformed     = "malformed"
	DropForeignApp    = "foreign_app"
	DropStale         = "stale"
	DropUndecryptable = "undecryptable"
	DropUnmatched     = "unmatched"
	DropPlaintext     = "plaintext"
)

var (
	registerOnce sync.Once

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bioipc",
			Name:      "calls_total",
			Help:      "Correlated calls to the desktop app by outcome.",
		},
		[]string{"command", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bioipc",
			Name:      "call_duration_seconds",
			Help:      "Time from call to settlement in seconds.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"command"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bioipc",
			Name:      "handshakes_total",
			Help:      "Secure channel handshakes by outcome.",
		},
		[]string{"outcome"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bioipc",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped without settling a call.",
		},
		[]string{"reason"},
	)
	disconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bioipc",
			Name:      "disconnects_total",
			Help:      "Connections to the desktop app that ended.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(calls, callDuration, handshakes, dropped, disconnects)
	})
}

func RecordCall(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(command, outcome).Inc()
	callDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordHandshake(outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(outcome).Inc()
}

func RecordDrop(reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(reason).Inc()
}

func RecordDisconnect() {
	RegisterMetrics()
	disconnects.Inc()
}

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	RegisterMetrics()
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
