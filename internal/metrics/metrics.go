// Package metrics records pipeline counters and timings in a Prometheus
// registry. A run is a batch job, so metrics are exported after the run by
// writing a node_exporter textfile or pushing to a Pushgateway rather than
// by serving /metrics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "fcreport"

// Recorder receives pipeline observations. Implementations must be safe
// for concurrent use; sessions report from their own goroutines.
type Recorder interface {
	// Observe records an operation outcome, e.g. "compare" or "export".
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	SessionCompared(session string, edges, significant int)
	EdgeWarning(kind string)
	RecordRejected(source string)
	CohortOutcome(outcome string, n int)
	LinkageConflicts(n int)
}

// Noop discards every observation.
type Noop struct{}

func (Noop) Observe(context.Context, string, bool, time.Duration) {}
func (Noop) SessionCompared(string, int, int)                     {}
func (Noop) EdgeWarning(string)                                   {}
func (Noop) RecordRejected(string)                                {}
func (Noop) CohortOutcome(string, int)                            {}
func (Noop) LinkageConflicts(int)                                 {}

// Registry is a Recorder backed by its own prometheus.Registry so several
// pipelines (and tests) never collide on the global registerer.
type Registry struct {
	reg *prometheus.Registry

	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	edges       *prometheus.GaugeVec
	significant *prometheus.GaugeVec
	warnings    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	cohort      *prometheus.GaugeVec
	conflicts   prometheus.Gauge
}

var _ Recorder = (*Registry)(nil)

// NewRegistry creates and registers every pipeline metric.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Pipeline operations by name and status.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Pipeline operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		edges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "edges",
			Help:      "Edges compared in the last run, per session.",
		}, []string{"session"}),
		significant: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "significant_edges",
			Help:      "Edges with q below the report threshold, per session.",
		}, []string{"session"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_warnings_total",
			Help:      "Edges whose effect size was undefined, by reason.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_records_total",
			Help:      "Input rows rejected during ingestion, by source.",
		}, []string{"source"}),
		cohort: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cohort",
			Name:      "subjects",
			Help:      "Subjects per classification outcome in the last run.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "linkage",
			Name:      "conflicts",
			Help:      "Identities holding more than one ID in a namespace.",
		}),
	}
	r.reg.MustRegister(r.operations, r.durations, r.edges, r.significant, r.warnings, r.rejected, r.cohort, r.conflicts)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

func (r *Registry) SessionCompared(session string, edges, significant int) {
	r.edges.WithLabelValues(session).Set(float64(edges))
	r.significant.WithLabelValues(session).Set(float64(significant))
}

func (r *Registry) EdgeWarning(kind string) { r.warnings.WithLabelValues(kind).Inc() }

func (r *Registry) RecordRejected(source string) { r.rejected.WithLabelValues(source).Inc() }

func (r *Registry) CohortOutcome(outcome string, n int) {
	r.cohort.WithLabelValues(outcome).Set(float64(n))
}

func (r *Registry) LinkageConflicts(n int) { r.conflicts.Set(float64(n)) }

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector. The file is replaced atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the registry to a Pushgateway under job, replacing any metrics
// previously pushed for that job.
func (r *Registry) Push(ctx context.Context, url, job string) error {
	if job == "" {
		job = namespace
	}
	if err := push.New(url, job).Gatherer(r.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
