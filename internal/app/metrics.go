package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "saga",
		Name:      "transitions_total",
		Help:      "Settlement request status changes by target status.",
	}, []string{"status"})

	sagaRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "saga",
		Name:      "retries_total",
		Help:      "Delayed step retries by stage and error kind.",
	}, []string{"stage", "kind"})

	ledgerContributions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "ledger",
		Name:      "contributions_total",
		Help:      "Threshold-mode payments folded into accumulation records.",
	})

	ledgerTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "ledger",
		Name:      "triggers_total",
		Help:      "Accumulation records that reached their threshold.",
	})

	chainBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "chain",
		Name:      "broadcasts_total",
		Help:      "Signed payout transactions submitted to the node by result.",
	}, []string{"result"})

	payoutOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "payout",
		Name:      "outcomes_total",
		Help:      "Final host payout statuses.",
	}, []string{"status"})
)
