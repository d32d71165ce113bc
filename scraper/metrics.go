package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the sweep.
type Metrics struct {
	Registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	ListingsTotal       prometheus.Counter
	WindowsTotal        *prometheus.CounterVec
	ExportsTotal        prometheus.Counter
	RetriesTotal        prometheus.Counter
	RateLimitWaitsTotal prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	listings := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_listings_scraped_total",
			Help: "Total number of listings sent to the pipeline.",
		},
	)
	windows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_price_windows_total",
			Help: "Price windows processed, by outcome.",
		},
		[]string{"outcome"},
	)
	exports := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_exports_total",
			Help: "Total CSV exports downloaded.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts.",
		},
	)
	rateLimitWaits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_rate_limit_waits_total",
			Help: "Total number of rate-limit back-off pauses.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(requests, requestDuration, listings, windows, exports, retries, rateLimitWaits, errorsTotal)

	return &Metrics{
		Registry:            registry,
		RequestsTotal:       requests,
		RequestDuration:     requestDuration,
		ListingsTotal:       listings,
		WindowsTotal:        windows,
		ExportsTotal:        exports,
		RetriesTotal:        retries,
		RateLimitWaitsTotal: rateLimitWaits,
		ErrorsTotal:         errorsTotal,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// AddListings increments the listings counter.
func (m *Metrics) AddListings(n int) {
	if m == nil {
		return
	}
	m.ListingsTotal.Add(float64(n))
}

// IncWindow increments the windows counter for an outcome label.
func (m *Metrics) IncWindow(outcome string) {
	if m == nil {
		return
	}
	m.WindowsTotal.WithLabelValues(outcome).Inc()
}

// IncExport increments the downloaded exports counter.
func (m *Metrics) IncExport() {
	if m == nil {
		return
	}
	m.ExportsTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncRateLimitWait increments the rate-limit pause counter.
func (m *Metrics) IncRateLimitWait() {
	if m == nil {
		return
	}
	m.RateLimitWaitsTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
