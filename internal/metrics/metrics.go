// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formpost"

// Metrics is safe to use through a nil pointer, in which case nothing is
// recorded.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	scans         *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	uploadedBytes prometheus.Counter
}

// New registers the collectors on a private registry. inFlight, when not
// nil, is exported as a gauge.
func New(inFlight func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_requests_total",
			Help:      "Upload requests by response status.",
		}, []string{"code"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed scans by outcome.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time spent in the scan engine, excluding the wait for a slot.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written to temporary storage.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.scans,
		m.scanDuration,
		m.uploadedBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if inFlight != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads_in_flight",
			Help:      "Upload requests currently admitted.",
		}, inFlight))
	}
	return m
}

func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveScan records one scan. result is the verdict, or the error code
// when the scan failed.
func (m *Metrics) ObserveScan(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(took.Seconds())
}

func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadedBytes.Add(float64(n))
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
