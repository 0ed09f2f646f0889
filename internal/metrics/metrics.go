// Package metrics collects run counters and exports them in the Prometheus
// text format, either as a node-exporter textfile or over HTTP.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trisync"

// Recorder holds the counters of one process. Each Recorder owns its own
// registry so several can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	commits      *prometheus.CounterVec
	fileOps      *prometheus.CounterVec
	bytesCopied  prometheus.Counter
	ledgerErrors prometheus.Counter
	branchRuns   *prometheus.CounterVec
	lastRun      prometheus.Gauge
	runDuration  prometheus.Histogram
}

// New creates a Recorder with all collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "commits_total",
				Help:      "Commits seen per role and branch, by outcome.",
			},
			[]string{"role", "branch", "outcome"},
		),
		fileOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "propagate",
				Name:      "file_operations_total",
				Help:      "File operations performed while propagating commits of a source role.",
			},
			[]string{"source", "outcome"},
		),
		bytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "bytes_copied_total",
			Help:      "Bytes written into working trees.",
		}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_failures_total",
			Help:      "Ledger writes that could not be persisted.",
		}),
		branchRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "branch_runs_total",
				Help:      "Branch passes by final state.",
			},
			[]string{"branch", "state"},
		),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of complete runs in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	r.registry.MustRegister(
		r.commits,
		r.fileOps,
		r.bytesCopied,
		r.ledgerErrors,
		r.branchRuns,
		r.lastRun,
		r.runDuration,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// CommitProcessed counts a commit that was propagated and marked
func (r *Recorder) CommitProcessed(role, branch string) {
	r.commits.WithLabelValues(role, branch, "processed").Inc()
}

// CommitSkipped counts a commit that the ledger already held
func (r *Recorder) CommitSkipped(role, branch string) {
	r.commits.WithLabelValues(role, branch, "skipped").Inc()
}

// FileOperations adds n operations with the given outcome for a source role
func (r *Recorder) FileOperations(source, outcome string, n int) {
	if n <= 0 {
		return
	}
	r.fileOps.WithLabelValues(source, outcome).Add(float64(n))
}

// BytesCopied adds to the copied byte count
func (r *Recorder) BytesCopied(n int64) {
	if n <= 0 {
		return
	}
	r.bytesCopied.Add(float64(n))
}

// LedgerWriteFailed counts a failed ledger persist
func (r *Recorder) LedgerWriteFailed() {
	r.ledgerErrors.Inc()
}

// BranchFinished counts a branch pass ending in state
func (r *Recorder) BranchFinished(branch, state string) {
	r.branchRuns.WithLabelValues(branch, state).Inc()
}

// RunFinished records the end of a complete run
func (r *Recorder) RunFinished(started time.Time) {
	r.runDuration.Observe(time.Since(started).Seconds())
	r.lastRun.SetToCurrentTime()
}

// WriteTextfile writes every metric to path for the node-exporter textfile collector
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Handler serves the metrics in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
