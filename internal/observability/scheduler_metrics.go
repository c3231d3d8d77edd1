package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/supa/internal/scheduler"
)

var _ scheduler.Metrics = (*SchedulerCollector)(nil)

// SchedulerCollector exposes scheduler-specific Prometheus metrics. It
// satisfies scheduler.Metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	JobsQueued prometheus.Gauge
	// JobsTotal is labeled by job kind and outcome (fired, stale, failed).
	JobsTotal *prometheus.CounterVec
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_jobs_queued",
		Help: "Number of connection jobs currently queued.",
	})
	queueGauge, err := registerGauge(reg, queueGauge, "scheduler_jobs_queued")
	if err != nil {
		return nil, err
	}

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_total",
		Help: "Connection jobs executed, labeled by kind and outcome.",
	}, []string{"kind", "outcome"})
	jobs, err = registerCounterVec(reg, jobs, "scheduler_jobs_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:   gathererFor(reg),
		JobsQueued: queueGauge,
		JobsTotal:  jobs,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetQueued updates the queue depth gauge.
func (c *SchedulerCollector) SetQueued(n int) {
	if c == nil || c.JobsQueued == nil {
		return
	}
	c.JobsQueued.Set(float64(n))
}

func (c *SchedulerCollector) JobFired(kind string)  { c.inc(kind, "fired") }
func (c *SchedulerCollector) JobStale(kind string)  { c.inc(kind, "stale") }
func (c *SchedulerCollector) JobFailed(kind string) { c.inc(kind, "failed") }

func (c *SchedulerCollector) inc(kind, outcome string) {
	if c == nil || c.JobsTotal == nil {
		return
	}
	c.JobsTotal.WithLabelValues(kind, outcome).Inc()
}
