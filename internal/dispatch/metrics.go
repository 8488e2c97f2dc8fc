package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "tasks",
		Name:      "dispatched_total",
		Help:      "Tasks published to the task exchange by queue and result.",
	}, []string{"queue", "result"})

	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "tasks",
		Name:      "delivery_outcomes_total",
		Help:      "Task deliveries that did not succeed, by queue and outcome.",
	}, []string{"queue", "outcome"})
)
