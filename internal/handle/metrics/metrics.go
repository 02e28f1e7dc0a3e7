// Package metrics defines the Prometheus instruments of the username
// availability service.
//
// Every collector is registered on the registry passed to New, never on the
// global default registry, so tests and multiple servers in one process do
// not collide.
//
// Metrics:
//   - handle_queries_total{reason} - availability verdicts by reason
//   - handle_query_errors_total{kind} - failed availability checks
//   - handle_store_lookups_total - queries that reached the store
//   - handle_store_lookup_duration_seconds - store lookup latency
//   - handle_filter_items - insertions into the published filter
//   - handle_filter_estimated_fpr - estimated false positive rate
//   - handle_load_duration_seconds{outcome} - bulk load duration
//   - handle_load_items_total - usernames inserted by bulk loads
//   - handle_registrations_total{outcome} - registration attempts
//   - handle_http_connections_total - HTTP connections accepted
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error kinds for QueryErrors.
const (
	KindInvalid     = "invalid"
	KindUnavailable = "store_unavailable"
	KindInternal    = "internal"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	Queries             *prometheus.CounterVec
	QueryErrors         *prometheus.CounterVec
	StoreLookups        prometheus.Counter
	StoreLookupDuration prometheus.Histogram

	FilterItems        prometheus.Gauge
	FilterEstimatedFPR prometheus.Gauge

	LoadDuration *prometheus.HistogramVec
	LoadItems    prometheus.Counter

	Registrations   *prometheus.CounterVec
	HTTPConnections prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Queries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handle_queries_total",
				Help: "Availability verdicts by reason",
			},
			[]string{"reason"},
		),
		QueryErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handle_query_errors_total",
				Help: "Availability checks that returned an error",
			},
			[]string{"kind"},
		),
		StoreLookups: f.NewCounter(
			prometheus.CounterOpts{
				Name: "handle_store_lookups_total",
				Help: "Availability checks that fell through to the store",
			},
		),
		StoreLookupDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "handle_store_lookup_duration_seconds",
				Help:    "Latency of store lookups made by the resolver",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
			},
		),
		FilterItems: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "handle_filter_items",
				Help: "Insertions recorded by the published filter",
			},
		),
		FilterEstimatedFPR: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "handle_filter_estimated_fpr",
				Help: "Estimated false positive rate of the published filter",
			},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handle_load_duration_seconds",
				Help:    "Duration of bulk filter loads",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"outcome"},
		),
		LoadItems: f.NewCounter(
			prometheus.CounterOpts{
				Name: "handle_load_items_total",
				Help: "Usernames inserted into filters by bulk loads",
			},
		),
		Registrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handle_registrations_total",
				Help: "Registration attempts by outcome",
			},
			[]string{"outcome"},
		),
		HTTPConnections: f.NewCounter(
			prometheus.CounterOpts{
				Name: "handle_http_connections_total",
				Help: "HTTP connections accepted",
			},
		),
	}
}

// RecordVerdict counts a verdict by its reason.
func (m *Metrics) RecordVerdict(reason string) {
	m.Queries.WithLabelValues(reason).Inc()
}

// RecordQueryError counts a failed check.
func (m *Metrics) RecordQueryError(kind string) {
	m.QueryErrors.WithLabelValues(kind).Inc()
}

// RecordStoreLookup counts a store fallthrough and its latency.
func (m *Metrics) RecordStoreLookup(d time.Duration) {
	m.StoreLookups.Inc()
	m.StoreLookupDuration.Observe(d.Seconds())
}

// SetFilter updates the published filter gauges.
func (m *Metrics) SetFilter(items uint64, estimatedFPR float64) {
	m.FilterItems.Set(float64(items))
	m.FilterEstimatedFPR.Set(estimatedFPR)
}

// RecordLoad records a finished bulk load.
func (m *Metrics) RecordLoad(outcome string, d time.Duration, inserted uint64) {
	m.LoadDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.LoadItems.Add(float64(inserted))
}

// RecordRegistration counts a registration attempt.
func (m *Metrics) RecordRegistration(outcome string) {
	m.Registrations.WithLabelValues(outcome).Inc()
}
