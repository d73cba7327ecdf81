// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the adapter counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry       *prometheus.Registry
	pulls          *prometheus.CounterVec
	nullPulls      *prometheus.CounterVec
	events         *prometheus.CounterVec
	encodeFailures *prometheus.CounterVec
	queueDrops     *prometheus.CounterVec
	captures       *prometheus.CounterVec
	rotations      *prometheus.CounterVec
	activeAdapters prometheus.Gauge
}

// New creates and registers the adapter metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_pulls_total",
			Help: "Units pulled from the source",
		}, []string{"adapter", "mode"}),
		nullPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_null_pulls_total",
			Help: "Pulls that produced no unit",
		}, []string{"adapter"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_events_dispatched_total",
			Help: "Events handed to listeners",
		}, []string{"adapter"}),
		encodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_encode_failures_total",
			Help: "Units a listener failed to encode",
		}, []string{"adapter", "listener"}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_queue_drops_total",
			Help: "Events dropped by queued listeners",
		}, []string{"adapter", "reason"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_captures_total",
			Help: "Capture requests by result",
		}, []string{"adapter", "result"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_recording_rotations_total",
			Help: "Daily recording file rotations",
		}, []string{"adapter"}),
		activeAdapters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adapter_active",
			Help: "Adapters currently registered",
		}),
	}

	registry.MustRegister(
		m.pulls,
		m.nullPulls,
		m.events,
		m.encodeFailures,
		m.queueDrops,
		m.captures,
		m.rotations,
		m.activeAdapters,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncPulls(adapter, mode string) {
	if m == nil {
		return
	}
	m.pulls.WithLabelValues(adapter, mode).Inc()
}

func (m *Metrics) IncNullPulls(adapter string) {
	if m == nil {
		return
	}
	m.nullPulls.WithLabelValues(adapter).Inc()
}

func (m *Metrics) IncEvents(adapter string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(adapter).Inc()
}

func (m *Metrics) IncEncodeFailures(adapter, listener string) {
	if m == nil {
		return
	}
	m.encodeFailures.WithLabelValues(adapter, listener).Inc()
}

// AddQueueDrops counts n dropped events. reason is "timeout", "overflow" or
// "closed".
func (m *Metrics) AddQueueDrops(adapter, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queueDrops.WithLabelValues(adapter, reason).Add(float64(n))
}

func (m *Metrics) IncCaptures(adapter string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.captures.WithLabelValues(adapter, result).Inc()
}

func (m *Metrics) IncRotations(adapter string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(adapter).Inc()
}

// SetActiveAdapters sets the registered adapter gauge.
func (m *Metrics) SetActiveAdapters(n int) {
	if m == nil {
		return
	}
	m.activeAdapters.Set(float64(n))
}

// Handler returns an http.Handler that serves the registry.
// updateGauges is called before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
