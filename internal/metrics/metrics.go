// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalgate_messages_total",
			Help: "Messages dispatched by the router, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	flowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalgate_flows_total",
			Help: "Completed tab flows (harvest, activate), by result.",
		},
		[]string{"flow", "result"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalgate_fetches_total",
			Help: "Outbound portal requests, by kind and HTTP status (0 on transport error).",
		},
		[]string{"kind", "status"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portalgate_fetch_duration_seconds",
			Help:    "Outbound portal request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalgate_cache_lookups_total",
			Help: "App catalog and rank cache reads, by cache and result.",
		},
		[]string{"cache", "result"},
	)
)

func Message(msgType, outcome string) {
	messagesTotal.WithLabelValues(msgType, outcome).Inc()
}

func Flow(flow, result string) {
	flowsTotal.WithLabelValues(flow, result).Inc()
}

// Fetch records one outbound request started at start.
func Fetch(kind string, status int, start time.Time) {
	fetchesTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	fetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
