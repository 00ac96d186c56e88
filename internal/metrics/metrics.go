// Package metrics collects and exposes Prometheus metrics for the async job
// service: submission/completion counters, task latency, and queue/job
// gauges. See SPEC_FULL.md §4.8.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this service reports. All fields are safe for
// concurrent use — prometheus's own types handle their locking.
type Collector struct {
	submitted         prometheus.Counter
	tasksCompleted    prometheus.Counter
	tasksFailed       prometheus.Counter
	tasksRetried      prometheus.Counter
	backlogRejections prometheus.Counter

	taskLatency prometheus.Histogram

	queueDepth  prometheus.Gauge
	jobsRunning prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default registry.
func NewCollector() *Collector {
	c := &Collector{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncjobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncjobs_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncjobs_tasks_failed_total",
			Help: "Total number of tasks that failed permanently",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncjobs_tasks_retried_total",
			Help: "Total number of transient task retries",
		}),
		backlogRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncjobs_backlog_rejections_total",
			Help: "Total number of submits rejected for exceeding the backlog limit",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asyncjobs_task_latency_seconds",
			Help:    "Task processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncjobs_queue_depth",
			Help: "Current number of tasks waiting in the queue",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncjobs_jobs_running",
			Help: "Current number of jobs with at least one task running",
		}),
	}

	prometheus.MustRegister(
		c.submitted,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksRetried,
		c.backlogRejections,
		c.taskLatency,
		c.queueDepth,
		c.jobsRunning,
	)

	return c
}

func (c *Collector) RecordSubmitted() { c.submitted.Inc() }

func (c *Collector) RecordBacklogRejection() { c.backlogRejections.Inc() }

func (c *Collector) RecordTaskCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

func (c *Collector) RecordTaskFailed(latencySeconds float64) {
	c.tasksFailed.Inc()
	c.taskLatency.Observe(latencySeconds)
}

func (c *Collector) RecordTaskRetried() { c.tasksRetried.Inc() }

func (c *Collector) SetQueueDepth(depth int) { c.queueDepth.Set(float64(depth)) }

func (c *Collector) SetJobsRunning(n int) { c.jobsRunning.Set(float64(n)) }

// StartServer serves /metrics on the given port. It blocks until the server
// stops or errors, so callers run it in its own goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
