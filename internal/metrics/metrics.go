// Package metrics exposes Prometheus collectors for the download job engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Build outcomes
const (
	OutcomeDone        = "done"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
	OutcomeSkipped     = "skipped"
)

// Metrics holds all collectors. Names are prefixed with the namespace.
type Metrics struct {
	jobsEnqueued  prometheus.Counter
	jobsCancelled *prometheus.CounterVec
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	buildsActive  prometheus.Gauge
	bytesArchived prometheus.Counter
	filesSkipped  *prometheus.CounterVec
	jobsSwept     prometheus.Counter
	bytesFreed    prometheus.Counter
	sweepErrors   prometheus.Counter
	jobsReaped    prometheus.Counter
	artifactSizes prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Download jobs created.",
		}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Download jobs cancelled, by actor.",
		}, []string{"actor"}),
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Archive builds finished, by outcome.",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of archive builds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		buildsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_progress",
			Help:      "Archive builds currently running.",
		}),
		bytesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_bytes_total",
			Help:      "Source bytes copied into archives.",
		}),
		filesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Selected files left out of archives, by reason.",
		}, []string{"reason"}),
		jobsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_swept_total",
			Help:      "Jobs moved to expired by the sweeper.",
		}),
		bytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_freed_bytes_total",
			Help:      "Artifact bytes reclaimed by the sweeper.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_errors_total",
			Help:      "Artifacts the sweeper failed to reclaim.",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_jobs_reaped_total",
			Help:      "Running jobs failed after their worker stopped updating them.",
		}),
		artifactSizes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_size_bytes",
			Help:      "Size of completed archives.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.jobsEnqueued, m.jobsCancelled, m.buildsTotal, m.buildDuration,
			m.buildsActive, m.bytesArchived, m.filesSkipped, m.jobsSwept,
			m.bytesFreed, m.sweepErrors, m.jobsReaped, m.artifactSizes,
		)
	}

	return m
}

// Handler serves the metrics registered with gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) JobEnqueued() {
	if m == nil {
		return
	}
	m.jobsEnqueued.Inc()
}

func (m *Metrics) JobsCancelled(actor string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsCancelled.WithLabelValues(actor).Add(float64(n))
}

// BuildStarted marks a build as running and returns a func that records its outcome
func (m *Metrics) BuildStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.buildsActive.Inc()
	return func(outcome string) {
		m.buildsActive.Dec()
		m.buildsTotal.WithLabelValues(outcome).Inc()
		m.buildDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) BytesArchived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesArchived.Add(float64(n))
}

func (m *Metrics) FileSkipped(reason string) {
	if m == nil {
		return
	}
	m.filesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ArtifactCompleted(size int64) {
	if m == nil {
		return
	}
	m.artifactSizes.Observe(float64(size))
}

// Swept records one sweeper pass
func (m *Metrics) Swept(jobs int, bytes int64, errors int) {
	if m == nil {
		return
	}
	m.jobsSwept.Add(float64(jobs))
	m.bytesFreed.Add(float64(bytes))
	m.sweepErrors.Add(float64(errors))
}

func (m *Metrics) Reaped(n int) {
	if m == nil {
		return
	}
	m.jobsReaped.Add(float64(n))
}
