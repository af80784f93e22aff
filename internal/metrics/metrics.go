// Package metrics holds the Prometheus collectors of the subscription service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subscription"

var (
	// WebhookEventsTotal counts webhook events by type and handling outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Gateway webhook events by event type and outcome.",
	}, []string{"type", "outcome"})

	// WebhookDuration tracks webhook reconciliation latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Webhook reconciliation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	// PaymentFailuresTotal counts failed invoice payments.
	PaymentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_failures_total",
		Help:      "Failed invoice payments reported by the gateway.",
	})

	// DriftDetectedTotal counts assignments whose local status disagrees with the gateway.
	DriftDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drift_detected_total",
		Help:      "Assignments found out of sync with the gateway.",
	})

	// CommandsTotal counts reconciliation commands by name and result.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Lifecycle commands by command and result.",
	}, []string{"command", "result"})

	// AlertsTotal counts evaluated alerts by level and whether they were sent or throttled.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Health alerts by level and outcome (dispatched, throttled, failed).",
	}, []string{"level", "outcome"})

	// JobRunsTotal counts scheduled job executions.
	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job runs by job and result.",
	}, []string{"job", "result"})

	// MRR is the latest monthly recurring revenue in minor currency units.
	MRR = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mrr_minor_units",
		Help:      "Monthly recurring revenue in minor currency units.",
	})

	// ChurnRate is the latest churn rate in percent over the lookback window.
	ChurnRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "churn_rate_percent",
		Help:      "Churn rate over the lookback window, in percent.",
	})

	// TrialConversionRate is the latest trial conversion rate in percent.
	TrialConversionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "trial_conversion_percent",
		Help:      "Trial conversion over the lookback window, in percent.",
	})

	// HealthScore is the latest composite health score.
	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_score",
		Help:      "Composite subscription health score (0-100).",
	})

	// AssignmentsByStatus is the latest number of assignments per status.
	AssignmentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "assignments",
		Help:      "Plan assignments by local status.",
	}, []string{"status"})
)

// Webhook outcomes
const (
	OutcomeApplied            = "applied"
	OutcomeDuplicate          = "duplicate"
	OutcomeStale              = "stale"
	OutcomeUntracked          = "untracked"
	OutcomeUnmapped           = "unmapped"
	OutcomeRejectedTransition = "rejected_transition"
	OutcomeIgnored            = "ignored"
	OutcomeUnparseable        = "unparseable"
	OutcomeFailed             = "failed"
)

// ObserveWebhook records one handled webhook event
func ObserveWebhook(eventType, outcome string, seconds float64) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	WebhookDuration.WithLabelValues(eventType).Observe(seconds)
}

// ObserveCommand records a lifecycle command result
func ObserveCommand(command string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CommandsTotal.WithLabelValues(command, result).Inc()
}

// Snapshot is the subset of the metrics snapshot exported as gauges
type Snapshot struct {
	MRR                 int64
	ChurnRate           float64
	TrialConversionRate float64
	HealthScore         int
	StatusCounts        map[string]int64
}

// SetSnapshot updates the health gauges
func SetSnapshot(s Snapshot) {
	MRR.Set(float64(s.MRR))
	ChurnRate.Set(s.ChurnRate)
	TrialConversionRate.Set(s.TrialConversionRate)
	HealthScore.Set(float64(s.HealthScore))
	for status, n := range s.StatusCounts {
		AssignmentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
