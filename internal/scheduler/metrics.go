package scheduler

import (
	"relay-distribution/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "distributor_scheduler_last_run_timestamp_seconds",
	Help: "time at which the last round was enqueued",
})

var nextCheck = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "distributor_scheduler_next_check_timestamp_seconds",
	Help: "time of the next scheduled round check",
})

func init() {
	metrics.Add(lastRun, nextCheck)
}
