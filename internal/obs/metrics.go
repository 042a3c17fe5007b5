package obs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeHit         = "hit"
	OutcomeDriver      = "driver"
	OutcomeCoalesced   = "coalesced"
	OutcomeUncoalesced = "uncoalesced"
)

type MetricsConfig struct {
	HostTopK          int
	RecomputeInterval time.Duration
}

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry          *prometheus.Registry
	topk              *TopK
	calls             *prometheus.CounterVec
	transportCalls    *prometheus.CounterVec
	transportErrors   *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	cacheStoreFail    prometheus.Counter
	waiterAbandoned   prometheus.Counter
	transportDuration *prometheus.HistogramVec
	pendingFlights    prometheus.Gauge
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "httpcoord_calls_total",
		Help: "Total coordinated calls by how they were satisfied",
	}, []string{"host", "method", "outcome"})

	transportCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "httpcoord_transport_calls_total",
		Help: "Total transport calls that produced a response",
	}, []string{"host", "method", "status_class"})

	transportErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "httpcoord_transport_errors_total",
		Help: "Total transport calls that produced no response",
	}, []string{"host", "category"})

	decodeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "httpcoord_decode_errors_total",
		Help: "Total per-caller decode failures",
	})

	cacheStoreFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "httpcoord_cache_store_fail_total",
		Help: "Total cache writes rejected by the store",
	})

	waiterAbandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "httpcoord_waiter_abandoned_total",
		Help: "Total callers that stopped waiting before their call completed",
	})

	transportDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "httpcoord_transport_roundtrip_seconds",
		Help:    "Transport call duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	pendingFlights := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "httpcoord_pending_flights",
		Help: "Logical requests currently in flight",
	})

	registry.MustRegister(calls, transportCalls, transportErrors, decodeErrors, cacheStoreFail, waiterAbandoned, transportDuration, pendingFlights)

	return &Metrics{
		registry:          registry,
		topk:              NewTopK(cfg.HostTopK, cfg.RecomputeInterval),
		calls:             calls,
		transportCalls:    transportCalls,
		transportErrors:   transportErrors,
		decodeErrors:      decodeErrors,
		cacheStoreFail:    cacheStoreFail,
		waiterAbandoned:   waiterAbandoned,
		transportDuration: transportDuration,
		pendingFlights:    pendingFlights,
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCall(host string, method string, outcome string) {
	if m == nil {
		return
	}
	m.topk.Observe(host)
	m.calls.WithLabelValues(m.topk.Canon(host), method, outcome).Inc()
}

func (m *Metrics) ObserveTransport(host string, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	canonHost := m.topk.Canon(host)
	m.transportCalls.WithLabelValues(canonHost, method, statusClass(status)).Inc()
	m.transportDuration.WithLabelValues(canonHost).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransportError(host string, category string, duration time.Duration) {
	if m == nil {
		return
	}
	if category == "" {
		category = "unknown"
	}
	canonHost := m.topk.Canon(host)
	m.transportErrors.WithLabelValues(canonHost, category).Inc()
	m.transportDuration.WithLabelValues(canonHost).Observe(duration.Seconds())
}

func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) RecordCacheStoreFail() {
	if m == nil {
		return
	}
	m.cacheStoreFail.Inc()
}

func (m *Metrics) RecordWaiterAbandoned() {
	if m == nil {
		return
	}
	m.waiterAbandoned.Inc()
}

func (m *Metrics) SetPendingFlights(n int) {
	if m == nil {
		return
	}
	m.pendingFlights.Set(float64(n))
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
