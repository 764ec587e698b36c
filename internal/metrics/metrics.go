// Package metrics exposes Prometheus collectors for queue activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the queue's collectors on a private registry, so several
// queues in one process never trip duplicate registration.
type Set struct {
	registry *prometheus.Registry

	enqueued  prometheus.Counter
	started   prometheus.Counter
	succeeded prometheus.Counter
	failed    prometheus.Counter
	retried   prometheus.Counter
	cancelled prometheus.Counter
	depth     *prometheus.GaugeVec
	duration  prometheus.Histogram
}

// NewSet creates and registers all queue collectors.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tasks_enqueued_total",
			Help: "Tasks accepted into the queue.",
		}),
		started: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tasks_started_total",
			Help: "Execution attempts started.",
		}),
		succeeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tasks_succeeded_total",
			Help: "Tasks that completed successfully.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tasks_failed_total",
			Help: "Tasks that exhausted their attempts or failed permanently.",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tasks_retried_total",
			Help: "Attempts that ended in a scheduled retry.",
		}),
		cancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tasks_cancelled_total",
			Help: "Tasks cancelled before completion.",
		}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Tasks currently in each status.",
		}, []string{"status"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "conveyor_task_duration_seconds",
			Help:    "Wall time of finished execution attempts.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

// TaskEnqueued counts a task accepted into the queue.
func (s *Set) TaskEnqueued() { s.enqueued.Inc() }

// TaskStarted counts a started execution attempt.
func (s *Set) TaskStarted() { s.started.Inc() }

// TaskSucceeded counts a successful completion and observes its runtime.
func (s *Set) TaskSucceeded(d time.Duration) {
	s.succeeded.Inc()
	s.duration.Observe(d.Seconds())
}

// TaskFailed counts a terminal failure.
func (s *Set) TaskFailed() { s.failed.Inc() }

// TaskRetried counts an attempt that ended in a scheduled retry.
func (s *Set) TaskRetried() { s.retried.Inc() }

// TaskCancelled counts a cancellation.
func (s *Set) TaskCancelled() { s.cancelled.Inc() }

// SetDepth records how many tasks sit in each status. Statuses missing
// from counts keep their previous gauge value, so callers should pass a
// complete map.
func (s *Set) SetDepth(counts map[string]int) {
	for status, n := range counts {
		s.depth.WithLabelValues(status).Set(float64(n))
	}
}

// Handler returns an HTTP handler serving this set's metrics.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
