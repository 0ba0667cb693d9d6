package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "reconciliation",
			Name:      "rows_total",
			Help:      "Rows handled by reconciliation by result.",
		},
		[]string{"result"},
	)

	findingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "reconciliation",
			Name:      "findings_total",
			Help:      "Anomalies routed to manual review by kind.",
		},
		[]string{"kind"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Subsystem: "reconciliation",
			Name:      "run_duration_seconds",
			Help:      "Duration of full reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)
