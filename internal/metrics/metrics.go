// Package metrics holds the process-wide domain counters. HTTP metrics
// live in the API middleware; everything here counts business events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrail_actions_created_total",
		Help: "Actions created by the assignment engine.",
	})

	StatusReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetrail_action_status_reports_total",
		Help: "Device status reports by reported status.",
	}, []string{"status"})

	RolloutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetrail_rollout_transitions_total",
		Help: "Rollout status transitions by target status.",
	}, []string{"to"})

	RolloutsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetrail_rollouts_running",
		Help: "Rollouts currently in the running state.",
	})

	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrail_outbox_events_published_total",
		Help: "Outbox events successfully handed to the publisher.",
	})

	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrail_outbox_events_failed_total",
		Help: "Outbox delivery attempts that failed and will retry.",
	})
)
