// Package metrics provides Prometheus instrumentation for Harrier.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency by route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// TransfersIngested counts ingested transfers by outcome.
	TransfersIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "transfers_ingested_total",
			Help:      "Transfers ingested, by status (flagged, clean, rejected, failed, unevaluated).",
		},
		[]string{"status"},
	)

	// EvaluationDuration tracks feature extraction plus rule evaluation time.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "harrier",
		Name:      "evaluation_duration_seconds",
		Help:      "Feature extraction and rule evaluation latency per transfer.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// RuleFaults counts rules skipped because their condition failed.
	RuleFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "rule_faults_total",
			Help:      "Rule evaluations treated as non-matching because of an error.",
		},
		[]string{"rule_id"},
	)

	// RulesLoaded is the size of the active rule snapshot.
	RulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "harrier",
		Name:      "rules_loaded",
		Help:      "Number of compiled rules in the active snapshot.",
	})

	// AlertsEmitted counts newly appended alerts by source.
	AlertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "alerts_emitted_total",
			Help:      "Alerts appended to the alert log, by source (ingest, sweep).",
		},
		[]string{"source"},
	)

	// AlertsSuppressed counts emissions dropped as duplicates.
	AlertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "alerts_suppressed_total",
			Help:      "Alert emissions suppressed by the dedup rule, by source.",
		},
		[]string{"source"},
	)

	// SweepDuration tracks re-evaluation sweep latency.
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "sweep_duration_seconds",
			Help:      "Re-evaluation sweep latency, by scope (scoped, full).",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"scope"},
	)

	// SweepCandidates counts transfers re-evaluated by sweeps.
	SweepCandidates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "sweep_candidates_total",
		Help:      "Transfers re-evaluated by sweeps.",
	})

	// FeedPublishFailures counts alert observer delivery failures.
	FeedPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "feed_publish_failures_total",
			Help:      "Alert feed deliveries that failed, by observer.",
		},
		[]string{"observer"},
	)

	// BusMessagesDropped counts messages dropped by full subscriber buffers.
	BusMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "bus_messages_dropped_total",
			Help:      "Event bus messages dropped because a subscriber buffer was full.",
		},
		[]string{"topic"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "harrier", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "harrier", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "harrier", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransfersIngested,
		EvaluationDuration,
		RuleFaults,
		RulesLoaded,
		AlertsEmitted,
		AlertsSuppressed,
		SweepDuration,
		SweepCandidates,
		FeedPublishFailures,
		BusMessagesDropped,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RuleLabel formats a rule id for the rule_id label.
func RuleLabel(id int) string {
	return strconv.Itoa(id)
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
