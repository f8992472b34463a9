// Package metrics provides Prometheus instrumentation for the rules server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only socialrules metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/socialrules/internal/logger"
	"github.com/liamcoop/socialrules/rules"
)

// Metrics holds all Prometheus collectors used by the rules server.
// It implements [rules.Observer].
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EventsFiredTotal    *prometheus.CounterVec
	RuleOutcomesTotal   *prometheus.CounterVec
	RuleDuration        *prometheus.HistogramVec
	ActionFailuresTotal *prometheus.CounterVec
	ReloadsTotal        *prometheus.CounterVec
	RulesLoaded         prometheus.Gauge

	// SlowRequestThreshold marks requests at or above it as slow; zero disables.
	SlowRequestThreshold time.Duration
}

// DefaultSlowRequestThreshold is the threshold New installs.
const DefaultSlowRequestThreshold = time.Second

// New creates and registers all socialrules metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry:             reg,
		SlowRequestThreshold: DefaultSlowRequestThreshold,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialrules_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "socialrules_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EventsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialrules_events_fired_total",
			Help: "Total number of events fired into the engine.",
		}, []string{"event"}),

		RuleOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialrules_rule_outcomes_total",
			Help: "Total number of rule evaluations by terminal state.",
		}, []string{"rule", "state"}),

		RuleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "socialrules_rule_duration_seconds",
			Help:    "Rule evaluation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),

		ActionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialrules_action_failures_total",
			Help: "Total number of actions that failed and ended their rule.",
		}, []string{"action"}),

		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialrules_engine_reloads_total",
			Help: "Total number of engine reloads by result.",
		}, []string{"result"}),

		RulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socialrules_rules_loaded",
			Help: "Number of rules in the live engine.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsFiredTotal,
		m.RuleOutcomesTotal,
		m.RuleDuration,
		m.ActionFailuresTotal,
		m.ReloadsTotal,
		m.RulesLoaded,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "socialrules_log_errors_total",
			Help: "Total number of error records, including sampled-out ones.",
		}, func() float64 { return float64(logger.TotalErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "socialrules_log_warnings_total",
			Help: "Total number of warning records, including sampled-out ones.",
		}, func() float64 { return float64(logger.TotalWarnings.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "socialrules_http_slow_requests_total",
			Help: "Total number of HTTP requests at or above the slow request threshold.",
		}, func() float64 { return float64(logger.SlowRequests.Load()) }),
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// EventFired implements [rules.Observer].
func (m *Metrics) EventFired(event string, _ int) {
	m.EventsFiredTotal.WithLabelValues(event).Inc()
}

// RuleFinished implements [rules.Observer].
func (m *Metrics) RuleFinished(o rules.Outcome) {
	m.RuleOutcomesTotal.WithLabelValues(o.RuleID, o.State.String()).Inc()
	m.RuleDuration.WithLabelValues(o.RuleID).Observe(o.Duration.Seconds())
	if o.Failed() && o.FailedActionID != "" {
		m.ActionFailuresTotal.WithLabelValues(o.FailedActionID).Inc()
	}
}

// RecordReload counts a reload attempt and, on success, updates the loaded rule gauge.
func (m *Metrics) RecordReload(rulesLoaded int, err error) {
	if err != nil {
		m.ReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.ReloadsTotal.WithLabelValues("ok").Inc()
	m.RulesLoaded.Set(float64(rulesLoaded))
}

// Middleware records request count and latency per chi route pattern.
// Unmatched requests are labelled "unmatched" to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(start)
		code := strconv.Itoa(status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())
		logger.CountHTTPStatus(status)
		if m.SlowRequestThreshold > 0 && elapsed >= m.SlowRequestThreshold {
			logger.WarnSlowRequest()
		}
	})
}
