package jobs

import (
	"relay-distribution/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_distribution_jobs_total",
		Help: "jobs processed by queue, name and outcome",
	}, []string{"queue", "name", "outcome"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_distribution_job_duration_seconds",
		Help:    "duration of job attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"queue", "name"})
)

func init() {
	metrics.Add(jobsProcessed, jobDuration)
}
