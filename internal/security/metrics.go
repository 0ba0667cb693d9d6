package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "security",
			Name:      "events_total",
			Help:      "Security events recorded by category.",
		},
		[]string{"category"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "security",
			Name:      "alerts_total",
			Help:      "Security alerts raised by type.",
		},
		[]string{"type"},
	)

	blocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "security",
			Name:      "blocks_total",
			Help:      "Clients blocked since process start.",
		},
	)

	blockedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paycore",
			Subsystem: "security",
			Name:      "blocked_clients",
			Help:      "Clients currently blocked.",
		},
	)

	guardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "security",
			Name:      "guard_rejections_total",
			Help:      "Requests refused by the request guard by reason.",
		},
		[]string{"reason"},
	)
)
