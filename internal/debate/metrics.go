package debate

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce           sync.Once
	debatesStartedTotal   prometheus.Counter
	debatesCompletedTotal prometheus.Counter
	debatesFailedTotal    *prometheus.CounterVec
	roleStreamDuration    *prometheus.HistogramVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		debatesStartedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reasonarena_debates_started_total",
				Help: "Total number of debates started.",
			},
		)

		debatesCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reasonarena_debates_completed_total",
				Help: "Total number of debates that reached a completed event.",
			},
		)

		debatesFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasonarena_debates_failed_total",
				Help: "Total number of debates that ended in a failed event, by error kind.",
			},
			[]string{"kind"},
		)

		roleStreamDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reasonarena_role_stream_duration_seconds",
				Help:    "Duration of a single role's streamed reply.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		)
	})
}
