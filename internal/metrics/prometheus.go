package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Job metrics
	JobRunsTotal     *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobSubscriptions *prometheus.CounterVec
	JobSkipped       *prometheus.CounterVec

	// Node control metrics
	NodeCallsTotal *prometheus.CounterVec
	NodesByStatus  *prometheus.GaugeVec

	// Accounting metrics
	UsageObservations *prometheus.CounterVec
	Suspensions       prometheus.Counter
	Expirations       prometheus.Counter
	OrphansRemoved    *prometheus.CounterVec
	LedgerConflicts   prometheus.Counter

	// Worker pool metrics
	PoolQueuedTasks prometheus.Gauge
}

// NewMetrics creates metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_job_runs_total",
				Help: "Total number of job runs by outcome",
			},
			[]string{"job", "outcome"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetd_job_duration_seconds",
				Help:    "Duration of job runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"job"},
		),

		JobSubscriptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_job_subscriptions_total",
				Help: "Subscriptions processed by jobs, by result",
			},
			[]string{"job", "result"},
		),

		JobSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_job_skipped_total",
				Help: "Job triggers skipped because a run was in progress",
			},
			[]string{"job"},
		),

		NodeCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_node_calls_total",
				Help: "Node control calls by operation and outcome",
			},
			[]string{"node", "operation", "outcome"},
		),

		NodesByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetd_nodes",
				Help: "Number of nodes by status after the last health check",
			},
			[]string{"status"},
		),

		UsageObservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_usage_observations_total",
				Help: "Usage counter observations by kind",
			},
			[]string{"kind"},
		),

		Suspensions: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_suspensions_total",
			Help: "Subscriptions suspended for reaching quota",
		}),

		Expirations: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_expirations_total",
			Help: "Subscriptions expired",
		}),

		OrphansRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_orphans_removed_total",
				Help: "Orphan identities removed from nodes",
			},
			[]string{"node"},
		),

		LedgerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_ledger_conflicts_total",
			Help: "Conditional ledger writes skipped on version mismatch",
		}),

		PoolQueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_worker_pool_queued_tasks",
			Help: "Tasks waiting in the worker pool queue",
		}),
	}
}

// RecordJob records a finished job run
func (m *Metrics) RecordJob(job string, duration time.Duration, succeeded, failed int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if failed > 0 {
		outcome = "partial"
	}
	m.JobRunsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	m.JobSubscriptions.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	m.JobSubscriptions.WithLabelValues(job, "failed").Add(float64(failed))
}

// RecordNodeCall records one node control call
func (m *Metrics) RecordNodeCall(node, operation string, err error, tolerated bool) {
	outcome := "ok"
	switch {
	case err == nil:
	case tolerated:
		outcome = "idempotent"
	default:
		outcome = "error"
	}
	m.NodeCallsTotal.WithLabelValues(node, operation, outcome).Inc()
}

// SetNodeStatusCounts replaces the per-status node gauge
func (m *Metrics) SetNodeStatusCounts(counts map[string]int) {
	m.NodesByStatus.Reset()
	for status, n := range counts {
		m.NodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}
