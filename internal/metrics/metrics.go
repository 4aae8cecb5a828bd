// ============================================================================
// fractiles Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect pool, renderer and predictor metrics and expose them to Prometheus
//
// Metric groups:
//
//   1. Task counters (Counter):
//      - fractiles_tasks_submitted_total
//      - fractiles_tasks_dispatched_total
//      - fractiles_tasks_completed_total
//      - fractiles_tasks_failed_total
//      - fractiles_tasks_cancelled_total
//      - fractiles_replies_discarded_total   late replies for cancelled or unknown tasks
//
//   2. Latency (Histogram):
//      - fractiles_task_latency_seconds      submit to settle
//      - fractiles_render_latency_seconds    render call to frame delivery
//
//   3. Pool state (Gauge):
//      - fractiles_tasks_queued
//      - fractiles_workers_busy
//
//   4. Renderer / predictor counters:
//      - fractiles_frames_total{outcome="complete|superseded|cached"}
//      - fractiles_predictions_scheduled_total
//      - fractiles_prediction_hits_total
//
// Registration:
//   Every Collector registers into the prometheus.Registerer it is given, so
//   several pools can coexist in one process (and in tests) on separate registries.
//   All Record* methods are safe on a nil *Collector.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics collector
type Collector struct {
	// task lifecycle
	tasksSubmitted  prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksCancelled  prometheus.Counter
	repliesDropped  prometheus.Counter
	taskLatency     prometheus.Histogram

	// pool state
	tasksQueued prometheus.Gauge
	workersBusy prometheus.Gauge

	// renderer
	frames        *prometheus.CounterVec
	renderLatency prometheus.Histogram

	// predictor
	predictionsScheduled prometheus.Counter
	predictionHits       prometheus.Counter
}

// NewCollector creates a collector and registers it into reg.
// A nil reg falls back to prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_tasks_submitted_total",
			Help: "Total number of tasks submitted to the worker pool",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_tasks_dispatched_total",
			Help: "Total number of tasks handed to a worker",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_tasks_completed_total",
			Help: "Total number of tasks resolved with a scalar field",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_tasks_failed_total",
			Help: "Total number of tasks whose computation failed",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_tasks_cancelled_total",
			Help: "Total number of tasks rejected as cancelled",
		}),
		repliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_replies_discarded_total",
			Help: "Total number of worker replies dropped because their task was unknown or superseded",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fractiles_task_latency_seconds",
			Help:    "Task latency from submission to settlement in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fractiles_tasks_queued",
			Help: "Current number of tasks waiting for a worker",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fractiles_workers_busy",
			Help: "Current number of workers computing a task",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fractiles_frames_total",
			Help: "Total number of frames delivered by renderers, by outcome",
		}, []string{"outcome"}),
		renderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fractiles_render_latency_seconds",
			Help:    "Time from render call to frame delivery in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		predictionsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_predictions_scheduled_total",
			Help: "Total number of speculative views submitted to the pool",
		}),
		predictionHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fractiles_prediction_hits_total",
			Help: "Total number of renders served from a completed prediction",
		}),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksDispatched,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksCancelled,
		c.repliesDropped,
		c.taskLatency,
		c.tasksQueued,
		c.workersBusy,
		c.frames,
		c.renderLatency,
		c.predictionsScheduled,
		c.predictionHits,
	)

	return c
}

// RecordSubmit records a task entering the pool
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// RecordDispatch records a task handed to a worker
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordCompleted records a resolved task and its latency
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordFailed records a failed task
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.tasksFailed.Inc()
}

// RecordCancelled records a task rejected as cancelled
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.tasksCancelled.Inc()
}

// RecordDiscarded records a worker reply dropped on arrival
func (c *Collector) RecordDiscarded() {
	if c == nil {
		return
	}
	c.repliesDropped.Inc()
}

// UpdatePoolStats sets the queue depth and busy-worker gauges
func (c *Collector) UpdatePoolStats(queued, busy int) {
	if c == nil {
		return
	}
	c.tasksQueued.Set(float64(queued))
	c.workersBusy.Set(float64(busy))
}

// RecordFrame records a delivered frame. outcome is "complete", "superseded" or "cached".
func (c *Collector) RecordFrame(outcome string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(outcome).Inc()
	c.renderLatency.Observe(latencySeconds)
}

// RecordPrediction records a speculative view submitted to the pool
func (c *Collector) RecordPrediction() {
	if c == nil {
		return
	}
	c.predictionsScheduled.Inc()
}

// RecordPredictionHit records a render served from the prediction cache
func (c *Collector) RecordPredictionHit() {
	if c == nil {
		return
	}
	c.predictionHits.Inc()
}

// Handler returns the /metrics handler for the given gatherer.
// A nil gatherer falls back to prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer builds the Prometheus metrics HTTP server
//
// Parameters:
//   - port: HTTP port
//   - g: gatherer backing /metrics
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
