// Package metrics exposes Prometheus collectors for the quest service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors and the registry they live in
type Metrics struct {
	Registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	questTransitions *prometheus.CounterVec
	pointsAwarded    prometheus.Counter
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steamquest",
			Name:      "upstream_requests_total",
			Help:      "Calls to the Steam API by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steamquest",
			Name:      "gateway_cache_lookups_total",
			Help:      "Gateway cache lookups by cache and result (hit, miss, stale).",
		}, []string{"cache", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steamquest",
			Name:      "gateway_rate_limited_total",
			Help:      "Requests rejected by the per-player rate limiter.",
		}),
		questTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steamquest",
			Name:      "quest_transitions_total",
			Help:      "Quest link transitions by kind.",
		}, []string{"transition"}),
		pointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steamquest",
			Name:      "points_awarded_total",
			Help:      "Points credited to players.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.upstreamRequests,
		m.cacheLookups,
		m.rateLimited,
		m.questTransitions,
		m.pointsAwarded,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) UpstreamRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) CacheLookup(cache, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) QuestTransition(transition string) {
	if m == nil {
		return
	}
	m.questTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) PointsAwarded(points int64) {
	if m == nil {
		return
	}
	m.pointsAwarded.Add(float64(points))
}
