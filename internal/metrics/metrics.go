// Package metrics exposes the Prometheus instrumentation for rule
// evaluation and action execution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule evaluation metrics
var (
	RulesEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrivano_rules_evaluated_total",
			Help: "Total number of rule evaluations performed",
		},
	)

	RulesMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrivano_rules_matched_total",
			Help: "Total number of rule evaluations that matched",
		},
	)

	RuleEvalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrivano_rule_eval_errors_total",
			Help: "Total number of rule evaluations that " +
				"errored and were skipped",
		},
	)
)

// Action execution metrics
var (
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrivano_actions_executed_total",
			Help: "Total number of action executions by type " +
				"and outcome",
		},
		[]string{"type", "status"},
	)

	ActionsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrivano_actions_claimed_total",
			Help: "Total number of pending actions claimed for " +
				"execution",
		},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "scrivano_action_execution_seconds",
			Help: "Duration of action handler executions in " +
				"seconds",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"type"},
	)

	RetrySweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrivano_retry_sweeps_total",
			Help: "Total number of retry sweeps over failed " +
				"actions",
		},
	)

	ActionsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrivano_actions_retried_total",
			Help: "Total number of failed actions reset to " +
				"pending for retry",
		},
	)
)
