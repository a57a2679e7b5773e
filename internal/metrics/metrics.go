// Package metrics exposes Prometheus instrumentation for Claimscope.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the Claimscope collectors. A nil *Recorder records nothing,
// so packages can take one without requiring metrics in tests.
type Recorder struct {
	registry *prometheus.Registry

	reports       *prometheus.CounterVec
	cacheRequests *prometheus.CounterVec
	derivation    prometheus.Histogram
	customers     prometheus.Counter
	missingJoins  *prometheus.CounterVec
	ruleFaults    *prometheus.CounterVec
	snapshots     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// New creates a Recorder backed by its own registry, including Go runtime
// and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscope_reports_total",
			Help: "Reports served, by report and source (computed or cache)",
		}, []string{"report", "source"}),
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscope_report_cache_requests_total",
			Help: "Report cache lookups, by result (hit, miss or error)",
		}, []string{"result"}),
		derivation: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimscope_derivation_duration_seconds",
			Help:    "Time to derive flags and scores for a portfolio snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		customers: f.NewCounter(prometheus.CounterOpts{
			Name: "claimscope_customers_scored_total",
			Help: "Customers processed by flag derivation",
		}),
		missingJoins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscope_missing_join_total",
			Help: "Customers lacking a record one or more flags need, by entity",
		}, []string{"entity"}),
		ruleFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscope_rule_faults_total",
			Help: "Flag expressions that failed at runtime, by flag",
		}, []string{"flag"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimscope_snapshots_total",
			Help: "Snapshot uploads, by result (stored or rejected)",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ReportServed counts a report response.
func (r *Recorder) ReportServed(report string, fromCache bool) {
	if r == nil {
		return
	}
	source := "computed"
	if fromCache {
		source = "cache"
	}
	r.reports.WithLabelValues(report, source).Inc()
}

// CacheLookup counts a report cache lookup.
func (r *Recorder) CacheLookup(hit bool, err error) {
	if r == nil {
		return
	}
	switch {
	case err != nil:
		r.cacheRequests.WithLabelValues("error").Inc()
	case hit:
		r.cacheRequests.WithLabelValues("hit").Inc()
	default:
		r.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// Derivation records one flag derivation over n customers.
func (r *Recorder) Derivation(d time.Duration, n int) {
	if r == nil {
		return
	}
	r.derivation.Observe(d.Seconds())
	r.customers.Add(float64(n))
}

// MissingJoin counts a customer lacking a record of entity.
func (r *Recorder) MissingJoin(entity string) {
	if r == nil {
		return
	}
	r.missingJoins.WithLabelValues(entity).Inc()
}

// RuleFault counts a flag expression runtime failure.
func (r *Recorder) RuleFault(flag string) {
	if r == nil {
		return
	}
	r.ruleFaults.WithLabelValues(flag).Inc()
}

// Snapshot counts a snapshot upload.
func (r *Recorder) Snapshot(stored bool) {
	if r == nil {
		return
	}
	result := "rejected"
	if stored {
		result = "stored"
	}
	r.snapshots.WithLabelValues(result).Inc()
}

// RequestStarted marks an in-flight HTTP request and returns the function
// that records its completion.
func (r *Recorder) RequestStarted() func(method, route string, status int) {
	if r == nil {
		return func(string, string, int) {}
	}
	start := time.Now()
	r.httpInFlight.Inc()
	return func(method, route string, status int) {
		r.httpInFlight.Dec()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		r.httpRequests.With(labels).Inc()
		r.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
