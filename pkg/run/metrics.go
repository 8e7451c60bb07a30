package run

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spool",
		Name:      "events_total",
		Help:      "Server events processed, by event type.",
	}, []string{"type"})

	metricAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spool",
		Name:      "protocol_anomalies_total",
		Help:      "Protocol anomalies logged and ignored, by kind.",
	}, []string{"kind"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spool",
		Name:      "outbound_queue_depth",
		Help:      "User messages waiting for the current run to settle.",
	})

	metricRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spool",
		Name:      "run_duration_seconds",
		Help:      "Wall time from run start to settlement.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	metricRunsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spool",
		Name:      "runs_settled_total",
		Help:      "Runs settled, by terminal outcome.",
	}, []string{"outcome"})

	metricGatesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spool",
		Name:      "gates_opened_total",
		Help:      "Gates opened, by kind.",
	}, []string{"kind"})
)
