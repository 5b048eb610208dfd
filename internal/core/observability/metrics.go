// Package observability exposes prometheus metrics for exports and the HTTP
// surface.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoexport_exports_total",
			Help: "Total number of export calls by outcome.",
		},
		[]string{"outcome"},
	)

	exportFeaturesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geoexport_features_total",
			Help: "Total number of features written across all exports.",
		},
	)

	exportBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geoexport_bytes_total",
			Help: "Total number of bytes written across all exports.",
		},
	)

	exportDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoexport_duration_seconds",
			Help:    "Duration of export calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geoexport_build_info",
			Help: "Build information.",
		},
		[]string{"version"},
	)

	deploysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoexport_sql_deploys_total",
			Help: "Total number of per-database SQL deployments by outcome.",
		},
		[]string{"outcome"},
	)
)

func ObserveExport(outcome string, features, bytes int64, seconds float64) {
	exportsTotal.WithLabelValues(outcome).Inc()
	exportDurationSeconds.WithLabelValues(outcome).Observe(seconds)
	if features > 0 {
		exportFeaturesTotal.Add(float64(features))
	}
	if bytes > 0 {
		exportBytesTotal.Add(float64(bytes))
	}
}

func ObserveHTTP(method, route string, status int, seconds float64) {
	s := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, s).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, s).Observe(seconds)
}

func ObserveDeploy(outcome string) {
	deploysTotal.WithLabelValues(outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
