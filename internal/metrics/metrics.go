package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler tick outcomes.
const (
	TickRan     = "ran"
	TickSkipped = "skipped"
	TickFailed  = "failed"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analyticsd",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Number of async jobs accepted by the tracker.",
		}, []string{"kind"},
	)
	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analyticsd",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Number of async jobs reaching a terminal state.",
		}, []string{"kind", "state"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "analyticsd",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Run time of async jobs from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"},
	)
	schedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analyticsd",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Periodic job ticks by outcome (ran, skipped, failed).",
		}, []string{"job", "outcome"},
	)
	schedulerRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "analyticsd",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Run time of periodic job actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"},
	)
	dependencyUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "analyticsd",
			Subsystem: "dependency",
			Name:      "up",
			Help:      "Last observed reachability of a dependency (1 = connected).",
		}, []string{"name"},
	)
	ready = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "analyticsd",
			Name:      "ready",
			Help:      "1 while the service is started and accepting work.",
		},
	)
	systemGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "analyticsd",
			Subsystem: "system",
			Name:      "sample",
			Help:      "Latest value of periodically collected system metrics.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{jobsSubmitted, jobsCompleted, jobDuration, schedulerTicks, schedulerRunDuration, dependencyUp, ready, systemGauge}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncJobSubmitted(kind string) {
	if regOK.Load() {
		jobsSubmitted.WithLabelValues(kind).Inc()
	}
}

func ObserveJobCompleted(kind, state string, seconds float64) {
	if regOK.Load() {
		jobsCompleted.WithLabelValues(kind, state).Inc()
		jobDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func IncTick(job, outcome string) {
	if regOK.Load() {
		schedulerTicks.WithLabelValues(job, outcome).Inc()
	}
}

func ObserveRunDuration(job string, seconds float64) {
	if regOK.Load() {
		schedulerRunDuration.WithLabelValues(job).Observe(seconds)
	}
}

func SetDependencyUp(name string, up bool) {
	if regOK.Load() {
		dependencyUp.WithLabelValues(name).Set(boolValue(up))
	}
}

func SetReady(v bool) {
	if regOK.Load() {
		ready.Set(boolValue(v))
	}
}

func SetSystemSample(name string, v float64) {
	if regOK.Load() {
		systemGauge.WithLabelValues(name).Set(v)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
