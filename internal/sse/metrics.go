package sse

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce          sync.Once
	debatesActiveGauge   prometheus.Gauge
	debateDriveDuration  prometheus.Histogram
	subscriberEventsDrop *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		debatesActiveGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reasonarena_debates_active",
				Help: "Number of debates currently being driven.",
			},
		)

		debateDriveDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reasonarena_debate_drive_duration_seconds",
				Help:    "Wall-clock duration of driving one debate from registration to completion or failure.",
				Buckets: prometheus.DefBuckets,
			},
		)

		subscriberEventsDrop = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasonarena_subscriber_events_dropped_total",
				Help: "Total number of non-terminal events dropped under subscriber back-pressure, by debate ID.",
			},
			[]string{"traceId"},
		)
	})
}
