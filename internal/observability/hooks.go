// Package observability exposes engine events as prometheus metrics.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"transferclient/internal/core"
)

// Hooks receives engine events. Implementations must be safe for concurrent use.
type Hooks interface {
	// RequestDone is called once per HTTP exchange made by the request engine.
	RequestDone(method string, status int, kind core.ErrorKind, elapsed time.Duration)
	// RetryScheduled is called before each retry with the 1-indexed retry number.
	RetryScheduled(attempt int, delay time.Duration, kind core.ErrorKind)
	// TransferDone is called once when a transfer task reaches a terminal state.
	TransferDone(direction core.Direction, status core.TransferStatus, bytes int64)
	// QueueSize reports the number of non-terminal tasks in the upload queue.
	QueueSize(n int)
}

// Noop discards every event.
type Noop struct{}

func (Noop) RequestDone(string, int, core.ErrorKind, time.Duration) {}
func (Noop) RetryScheduled(int, time.Duration, core.ErrorKind) {}
func (Noop) TransferDone(core.Direction, core.TransferStatus, int64) {}
func (Noop) QueueSize(int) {}

// OrNoop returns h, or Noop when h is nil.
func OrNoop(h Hooks) Hooks {
	if h == nil {
		return Noop{}
	}
	return h
}

// PrometheusHooks records engine events in prometheus collectors.
type PrometheusHooks struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	queueSize       prometheus.Gauge
}

// NewPrometheusHooks registers the client collectors with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewPrometheusHooks(reg prometheus.Registerer) *PrometheusHooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusHooks{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transferclient",
			Name:      "requests_total",
			Help:      "HTTP requests issued by the request engine.",
		}, []string{"method", "status", "kind"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "transferclient",
			Name:      "request_duration_seconds",
			Help:      "Latency of request engine exchanges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transferclient",
			Name:      "retries_total",
			Help:      "Retries scheduled by the retry policy.",
		}, []string{"kind"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transferclient",
			Name:      "transfers_total",
			Help:      "Transfer tasks that reached a terminal state.",
		}, []string{"direction", "status"}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transferclient",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by finished transfer tasks.",
		}, []string{"direction"}),
		queueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "transferclient",
			Name:      "upload_queue_active",
			Help:      "Non-terminal tasks tracked by the upload queue.",
		}),
	}
}

func (h *PrometheusHooks) RequestDone(method string, status int, kind core.ErrorKind, elapsed time.Duration) {
	statusLabel := "none"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	kindLabel := string(kind)
	if kindLabel == "" {
		kindLabel = "ok"
	}
	h.requests.WithLabelValues(method, statusLabel, kindLabel).Inc()
	h.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (h *PrometheusHooks) RetryScheduled(_ int, _ time.Duration, kind core.ErrorKind) {
	h.retries.WithLabelValues(string(kind)).Inc()
}

func (h *PrometheusHooks) TransferDone(direction core.Direction, status core.TransferStatus, bytes int64) {
	h.transfers.WithLabelValues(string(direction), string(status)).Inc()
	if bytes > 0 {
		h.transferBytes.WithLabelValues(string(direction)).Add(float64(bytes))
	}
}

func (h *PrometheusHooks) QueueSize(n int) {
	h.queueSize.Set(float64(n))
}
