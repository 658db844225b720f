package distribution

import (
	"relay-distribution/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	roundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_distribution_rounds_total",
		Help: "round transitions by reached state",
	}, []string{"state"})

	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_distribution_batches_total",
		Help: "score batches submitted by result",
	}, []string{"result"})

	lastRoundScores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_distribution_last_round_scores",
		Help: "number of scores in the last started round",
	})
)

func init() {
	metrics.Add(roundsTotal, batchesTotal, lastRoundScores)
}
