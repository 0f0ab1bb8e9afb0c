// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seismo"

// Metrics holds the gateway's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	ingest         *prometheus.CounterVec
	windows        *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, so independent instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ingest: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "ingest_total", Help: "Sensor reports by outcome."},
			[]string{"result"},
		),
		windows: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "windows_total", Help: "Closed correlation windows by outcome."},
			[]string{"outcome"},
		),
		notifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Failed announcements by notifier."},
			[]string{"notifier"},
		),
	}
	reg.MustRegister(
		m.ingest,
		m.windows,
		m.notifyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveFleet registers gauges read at scrape time.
func (m *Metrics) ObserveFleet(online func() float64, storeBytes func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "devices_online", Help: "Roster devices currently online."},
			online,
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "store_bytes", Help: "Current size of the event log in bytes."},
			storeBytes,
		),
	)
}

func (m *Metrics) Ingest(result string) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(result).Inc()
}

func (m *Metrics) Window(outcome string) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NotifyFailure(notifier string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(notifier).Inc()
}

// The counter accessors let tests read values with prometheus/testutil.

func (m *Metrics) IngestCounter(result string) prometheus.Counter {
	return m.ingest.WithLabelValues(result)
}

func (m *Metrics) WindowCounter(outcome string) prometheus.Counter {
	return m.windows.WithLabelValues(outcome)
}

func (m *Metrics) NotifyFailureCounter(notifier string) prometheus.Counter {
	return m.notifyFailures.WithLabelValues(notifier)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
