// Package metrics provides Prometheus instrumentation for the loading and
// orbit-segmentation core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoadsTotal counts load steps per platform/tag.
	LoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perigee_loads_total",
		Help: "Total number of load steps executed",
	}, []string{"platform", "tag"})

	// LoadFailures counts failed load steps per platform/tag.
	LoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perigee_load_failures_total",
		Help: "Total number of failed load steps",
	}, []string{"platform", "tag"})

	// RowsLoaded counts rows returned to callers after trimming.
	RowsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perigee_rows_loaded_total",
		Help: "Total rows handed to callers after padding trim",
	}, []string{"platform", "tag"})

	// PaddingRowsTrimmed counts rows loaded for boundary context and
	// removed before return.
	PaddingRowsTrimmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perigee_padding_rows_trimmed_total",
		Help: "Total padded rows trimmed away before return",
	}, []string{"platform", "tag"})

	// LoadLatency tracks end-to-end load step latency, custom functions
	// included.
	LoadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perigee_load_latency_seconds",
		Help:    "Latency of a full load step in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
	}, []string{"platform", "tag"})

	// OrbitsFound tracks orbits detected per materialized day, so
	// degraded segmentation (one orbit per day) is observable.
	OrbitsFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perigee_orbits_found",
		Help:    "Orbits detected per materialized day",
		Buckets: []float64{1, 2, 4, 8, 12, 16, 20, 24, 32},
	})

	// DayCacheHits counts orbit day-buffer cache hits.
	DayCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perigee_orbit_day_cache_hits_total",
		Help: "Orbit day-buffer cache hits",
	})

	// DayCacheMisses counts orbit day-buffer cache misses.
	DayCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perigee_orbit_day_cache_misses_total",
		Help: "Orbit day-buffer cache misses",
	})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
