package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chargeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "charge_outcomes_total",
			Help:      "Gateway charge attempts by payment method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	chargeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "charge_duration_seconds",
			Help:      "Gateway charge latency in seconds.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "state_transitions_total",
			Help:      "Transaction state transitions by target state and source.",
		},
		[]string{"state", "source"},
	)

	conflictsFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "conflicts_total",
			Help:      "Terminal-state conflicts routed to manual review.",
		},
		[]string{"kind"},
	)
)
