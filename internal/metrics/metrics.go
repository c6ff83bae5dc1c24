// Package metrics provides Prometheus metrics for the heavy-tasks
// coordinator.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-blackswan/heavytasks/cache"
)

// Metrics holds all Prometheus metrics for the manager and its HTTP
// surface.
type Metrics struct {
	FetchesTotal       *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	RunningGauge       prometheus.Gauge
	WaitingGauge       prometheus.Gauge
	PreemptionsTotal   prometheus.Counter
	EvictionsTotal     prometheus.Counter
	ProviderErrorTotal *prometheus.CounterVec
	CacheHitsTotal     *prometheus.CounterVec
	CacheMissesTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heavytasks_fetches_total",
				Help: "Total number of fetch calls by outcome (value, null, error, evicted).",
			},
			[]string{"outcome"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heavytasks_fetch_duration_seconds",
				Help:    "Time from fetch registration to result delivery.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		RunningGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "heavytasks_running",
				Help: "Number of keys currently in the running set.",
			},
		),
		WaitingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "heavytasks_waiting",
				Help: "Number of keys currently in the waiting queue.",
			},
		),
		PreemptionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "heavytasks_preemptions_total",
				Help: "Total number of LIFO(stop) preemptions.",
			},
		),
		EvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "heavytasks_evictions_total",
				Help: "Total number of waiting-queue overflow evictions.",
			},
		),
		ProviderErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heavytasks_provider_errors_total",
				Help: "Total provider failures by provider kind.",
			},
			[]string{"provider"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heavytasks_cache_hits_total",
				Help: "Total cache hits by cache name and kind (value, null).",
			},
			[]string{"cache", "kind"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heavytasks_cache_misses_total",
				Help: "Total cache misses by cache name.",
			},
			[]string{"cache"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.RunningGauge,
		m.WaitingGauge,
		m.PreemptionsTotal,
		m.EvictionsTotal,
		m.ProviderErrorTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFetch increments the fetch counter and observes its duration.
func (m *Metrics) RecordFetch(outcome string, seconds float64) {
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(seconds)
}

// SetRunning and SetWaiting mirror heavytasks.Manager's RunningCount
// and WaitingCount — the caller is expected to poll these
// periodically (the manager exposes no subscription mechanism).
func (m *Metrics) SetRunning(n int) { m.RunningGauge.Set(float64(n)) }
func (m *Metrics) SetWaiting(n int) { m.WaitingGauge.Set(float64(n)) }

// RecordPreemption and RecordEviction track scheduler churn.
func (m *Metrics) RecordPreemption() { m.PreemptionsTotal.Inc() }
func (m *Metrics) RecordEviction()   { m.EvictionsTotal.Inc() }

// RecordProviderError increments the per-provider-kind error counter.
func (m *Metrics) RecordProviderError(provider string) {
	m.ProviderErrorTotal.WithLabelValues(provider).Inc()
}

// CacheStatSink adapts heavytasks.CacheStatSink to Prometheus
// counters, translating each cache's cumulative MetricsSnapshot
// totals into the delta since its own previous snapshot — the sink is
// shared across the result and resume caches, keyed by cacheName.
func (m *Metrics) CacheStatSink() func(cacheName string, stats cache.MetricsSnapshot) {
	type cumulative struct{ hits, misses int64 }
	var mu sync.Mutex
	prev := make(map[string]cumulative)
	return func(cacheName string, stats cache.MetricsSnapshot) {
		mu.Lock()
		p := prev[cacheName]
		if d := stats.Hits - p.hits; d > 0 {
			m.CacheHitsTotal.WithLabelValues(cacheName, "value").Add(float64(d))
		}
		if d := stats.Misses - p.misses; d > 0 {
			m.CacheMissesTotal.WithLabelValues(cacheName).Add(float64(d))
		}
		prev[cacheName] = cumulative{hits: stats.Hits, misses: stats.Misses}
		mu.Unlock()
	}
}
