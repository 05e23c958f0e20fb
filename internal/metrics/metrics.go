package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the driver's prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	projectsStarted prometheus.Counter
	jobsCreated     prometheus.Counter
	framesRendered  prometheus.Counter
	framesRejected  prometheus.Counter

	machinesSpawned    prometheus.Counter
	machinesRestarted  prometheus.Counter
	machinesTerminated prometheus.Counter
	unhealthyEvents    prometheus.Counter
	recoveryPartitions prometheus.Counter

	instancesActive prometheus.Gauge
}

// NewCollector creates and registers the driver metrics on a private
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		projectsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_projects_started_total",
			Help: "Total number of projects started",
		}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_jobs_created_total",
			Help: "Total number of jobs created, recovery sub-jobs included",
		}),
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_frames_rendered_total",
			Help: "Total number of frames confirmed rendered",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_frames_rejected_total",
			Help: "Total number of frame notifications dropped on storage verification",
		}),
		machinesSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_machines_spawned_total",
			Help: "Total number of worker machines provisioned",
		}),
		machinesRestarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_machines_restarted_total",
			Help: "Total number of worker machine restarts",
		}),
		machinesTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_machines_terminated_total",
			Help: "Total number of worker machines terminated",
		}),
		unhealthyEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_instances_unhealthy_total",
			Help: "Total number of failed liveness probes acted on",
		}),
		recoveryPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drender_recovery_partitions_total",
			Help: "Total number of residual re-partitions after worker failures",
		}),
		instancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drender_instances_active",
			Help: "Current number of provisioned worker machines",
		}),
	}

	c.registry.MustRegister(
		c.projectsStarted,
		c.jobsCreated,
		c.framesRendered,
		c.framesRejected,
		c.machinesSpawned,
		c.machinesRestarted,
		c.machinesTerminated,
		c.unhealthyEvents,
		c.recoveryPartitions,
		c.instancesActive,
	)
	return c
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordProjectStarted counts one started project.
func (c *Collector) RecordProjectStarted() { c.projectsStarted.Inc() }

// RecordJobsCreated counts newly created jobs.
func (c *Collector) RecordJobsCreated(n int) { c.jobsCreated.Add(float64(n)) }

// RecordFrameRendered counts one verified frame.
func (c *Collector) RecordFrameRendered() { c.framesRendered.Inc() }

// RecordFrameRejected counts one frame dropped on verification.
func (c *Collector) RecordFrameRejected() { c.framesRejected.Inc() }

// RecordSpawned counts provisioned machines and raises the active gauge.
func (c *Collector) RecordSpawned(n int) {
	c.machinesSpawned.Add(float64(n))
	c.instancesActive.Add(float64(n))
}

// RecordRestarted counts one machine restart.
func (c *Collector) RecordRestarted() { c.machinesRestarted.Inc() }

// RecordTerminated counts terminated machines and lowers the active gauge.
func (c *Collector) RecordTerminated(n int) {
	c.machinesTerminated.Add(float64(n))
	c.instancesActive.Sub(float64(n))
}

// RecordUnhealthy counts one acted-on unhealthy event.
func (c *Collector) RecordUnhealthy() { c.unhealthyEvents.Inc() }

// RecordRecoveryPartition counts one residual re-partition.
func (c *Collector) RecordRecoveryPartition() { c.recoveryPartitions.Inc() }
