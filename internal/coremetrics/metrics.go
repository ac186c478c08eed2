// Package coremetrics exposes Prometheus counters, gauges, and histograms
// for the orchestrator's domain concerns (agents, tasks, scheduling,
// worker execution), in the same one-metric-per-concern style as the
// reference orchestrator's metrics package.
package coremetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetform_agents_total",
			Help: "Total number of agents by type and status",
		},
		[]string{"type", "status"},
	)

	AgentWorkload = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetform_agent_workload",
			Help: "Current workload (assigned+running tasks) per agent",
		},
		[]string{"agent_id"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetform_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetform_scheduling_latency_seconds",
			Help:    "Time taken to place a ready task onto an agent",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_tasks_scheduled_total",
			Help: "Total number of tasks dispatched to an agent",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_tasks_failed_total",
			Help: "Total number of tasks that reached terminal failure",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_tasks_retried_total",
			Help: "Total number of task attempts that were retried after failure",
		},
	)

	WorkerExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetform_worker_exec_duration_seconds",
			Help:    "Wall-clock duration of a worker subprocess attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_workers_spawned_total",
			Help: "Total number of worker subprocesses spawned",
		},
	)

	WorkersTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_workers_timed_out_total",
			Help: "Total number of worker subprocesses killed for exceeding their timeout",
		},
	)

	WorkerSpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_worker_spawn_failures_total",
			Help: "Total number of worker subprocess spawn attempts that failed before running",
		},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetform_workers_active",
			Help: "Number of worker subprocesses currently running",
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetform_lock_wait_duration_seconds",
			Help:    "Time a blocking lock acquisition spent waiting",
			Buckets: prometheus.DefBuckets,
		},
	)

	MemoryWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_memory_writes_total",
			Help: "Total number of cross-agent memory writes",
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetform_reconciliation_cycles_total",
			Help: "Total number of scheduler reconciliation cycles run",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetform_reconciliation_duration_seconds",
			Help:    "Duration of a single reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		AgentWorkload,
		TasksTotal,
		SchedulingLatency,
		TasksScheduled,
		TasksFailed,
		TasksRetried,
		WorkerExecDuration,
		WorkersSpawned,
		WorkersTimedOut,
		WorkerSpawnFailures,
		WorkersActive,
		LockWaitDuration,
		MemoryWritesTotal,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
	)
}

// Handler returns the Prometheus scrape handler. The fleetform CLI runs no
// HTTP server and does not mount it (§1 excludes dashboards/HTTP servers
// from the core itself).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
