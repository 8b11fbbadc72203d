// Package metrics exposes the runtime's Prometheus instrumentation. A single
// Metrics value is shared by the bus, job engine, scheduler and orchestrator;
// the component serves it over promhttp on its own listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRetried   prometheus.Counter
	JobsQueued    prometheus.Gauge
	JobsRunning   prometheus.Gauge
	JobDuration   prometheus.Histogram

	EventsEmitted   prometheus.Counter
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter

	SchedulerTicks      prometheus.Counter
	SchedulerDispatches prometheus.Counter
	SchedulerErrors     prometheus.Counter

	CallsTotal  *prometheus.CounterVec
	CallErrors  *prometheus.CounterVec
	CallLatency prometheus.Histogram
	ReadyUnits  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_jobs_enqueued_total",
			Help: "Jobs accepted by the engine.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_jobs_completed_total",
			Help: "Jobs that reached completed status.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_jobs_failed_total",
			Help: "Jobs that reached failed status.",
		}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_jobs_retried_total",
			Help: "Job attempts that failed and were rescheduled.",
		}),
		JobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_jobs_queued",
			Help: "Jobs currently in queued status.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_jobs_running",
			Help: "Jobs currently in running status.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_job_duration_seconds",
			Help:    "Wall time of job handler executions.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_events_emitted_total",
			Help: "Events accepted by the bus.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_events_delivered_total",
			Help: "Local handler invocations.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_events_dropped_total",
			Help: "Events lost to handler errors or transport failures.",
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_scheduler_ticks_total",
			Help: "Completed scheduler poll ticks.",
		}),
		SchedulerDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_scheduler_dispatches_total",
			Help: "Due tasks dispatched.",
		}),
		SchedulerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_scheduler_errors_total",
			Help: "Per-task evaluation failures.",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_calls_total",
			Help: "Service calls routed by the orchestrator.",
		}, []string{"service"}),
		CallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_call_errors_total",
			Help: "Service calls that returned an error.",
		}, []string{"service"}),
		CallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_call_latency_seconds",
			Help:    "Latency of orchestrator calls.",
			Buckets: prometheus.DefBuckets,
		}),
		ReadyUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_ready_units",
			Help: "Execution units currently in ready state.",
		}),
	}
	reg.MustRegister(
		m.JobsEnqueued, m.JobsCompleted, m.JobsFailed, m.JobsRetried,
		m.JobsQueued, m.JobsRunning, m.JobDuration,
		m.EventsEmitted, m.EventsDelivered, m.EventsDropped,
		m.SchedulerTicks, m.SchedulerDispatches, m.SchedulerErrors,
		m.CallsTotal, m.CallErrors, m.CallLatency, m.ReadyUnits,
	)
	return m
}

// Registry exposes the underlying registry for the promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
