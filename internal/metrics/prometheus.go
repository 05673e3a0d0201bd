// Package metrics provides Prometheus metrics for YumeBox.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for YumeBox.
type Metrics struct {
	// Traffic metrics
	TrafficBytes *prometheus.CounterVec
	TrafficSpeed *prometheus.GaugeVec

	// Proxy metrics
	ProxyDelay   *prometheus.GaugeVec
	SyncDuration prometheus.Histogram
	SyncErrors   prometheus.Counter

	// Core metrics
	CoreUp       prometheus.Gauge
	CoreRestarts *prometheus.CounterVec

	// Profile metrics
	ProfileUpdates *prometheus.CounterVec

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.TrafficBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yumebox_traffic_bytes_total",
			Help: "Bytes passed through the core",
		},
		[]string{"direction"},
	)

	m.TrafficSpeed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yumebox_traffic_speed_bytes",
			Help: "Current transfer rate in bytes per second",
		},
		[]string{"direction"},
	)

	m.ProxyDelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yumebox_proxy_delay_ms",
			Help: "Latest measured delay per proxy in milliseconds",
		},
		[]string{"proxy"},
	)

	m.SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yumebox_sync_duration_seconds",
			Help:    "Duration of proxy group syncs",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	m.SyncErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yumebox_sync_errors_total",
			Help: "Total number of failed proxy group syncs",
		},
	)

	m.CoreUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yumebox_core_up",
			Help: "Whether the proxy core is running (1 = running, 0 = stopped)",
		},
	)

	m.CoreRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yumebox_core_restarts_total",
			Help: "Total number of automatic core restarts",
		},
		[]string{"result"},
	)

	m.ProfileUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yumebox_profile_updates_total",
			Help: "Total number of profile downloads",
		},
		[]string{"result"},
	)

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yumebox_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yumebox_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "route"},
	)

	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yumebox_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yumebox_goroutines",
			Help: "Number of goroutines",
		},
	)

	m.registry.MustRegister(
		m.TrafficBytes,
		m.TrafficSpeed,
		m.ProxyDelay,
		m.SyncDuration,
		m.SyncErrors,
		m.CoreUp,
		m.CoreRestarts,
		m.ProfileUpdates,
		m.RequestsTotal,
		m.RequestDuration,
		m.Uptime,
		m.GoRoutines,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
