// Package metrics exposes Prometheus instruments for worker activity.
// The collector is optional; a nil *Collector disables all recording.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the job processing instruments.
type Collector struct {
	jobsClaimed    prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRequeued   prometheus.Counter
	claimErrors    prometheus.Counter
	jobsInFlight   prometheus.Gauge
	attemptSeconds prometheus.Histogram
}

// NewCollector creates the instruments and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steve_jobs_claimed_total",
			Help: "Jobs claimed by workers.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steve_jobs_completed_total",
			Help: "Jobs that reached completed status.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steve_jobs_failed_total",
			Help: "Jobs that exhausted retries and reached failed status.",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steve_jobs_requeued_total",
			Help: "Failed attempts that were requeued for retry.",
		}),
		claimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steve_claim_errors_total",
			Help: "Errors while claiming jobs.",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steve_jobs_in_flight",
			Help: "Jobs currently executing.",
		}),
		attemptSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steve_attempt_duration_seconds",
			Help:    "Wall time of individual job attempts.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.jobsClaimed, c.jobsCompleted, c.jobsFailed, c.jobsRequeued,
		c.claimErrors, c.jobsInFlight, c.attemptSeconds,
	)
	return c
}

func (c *Collector) JobClaimed() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
	c.jobsInFlight.Inc()
}

func (c *Collector) JobFinished() {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
}

func (c *Collector) JobCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

func (c *Collector) JobFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

func (c *Collector) JobRequeued() {
	if c == nil {
		return
	}
	c.jobsRequeued.Inc()
}

func (c *Collector) ClaimError() {
	if c == nil {
		return
	}
	c.claimErrors.Inc()
}

func (c *Collector) ObserveAttempt(d time.Duration) {
	if c == nil {
		return
	}
	c.attemptSeconds.Observe(d.Seconds())
}
