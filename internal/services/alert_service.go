package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"subscription-service/internal/config"
	"subscription-service/internal/metrics"
	"subscription-service/internal/models"
)

// Alert kinds. The throttle key is kind|level, so different kinds never suppress each other.
const (
	AlertHighChurn        = "high_churn"
	AlertLowConversion    = "low_trial_conversion"
	AlertPaymentFailures  = "payment_failures"
	AlertExpiringCards    = "expiring_cards"
	AlertTrialsEndingSoon = "trials_ending_soon"
	AlertLowHealthScore   = "low_health_score"
	AlertMRRDrop          = "mrr_drop"
	AlertMRRGrowth        = "mrr_growth"
	AlertDriftDetected    = "drift_detected"
	AlertDailySummary     = "daily_summary"
)

// AlertService turns a metrics snapshot into alerts and dispatches the ones not throttled
type AlertService struct {
	throttle   AlertThrottle
	dispatcher Dispatcher
	cfg        config.AlertConfig
	logger     *logrus.Logger
}

// NewAlertService creates a new alert service
func NewAlertService(throttle AlertThrottle, dispatcher Dispatcher, cfg config.AlertConfig, logger *logrus.Logger) *AlertService {
	return &AlertService{
		throttle:   throttle,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

func alertKey(kind string, level models.AlertLevel) string {
	return kind + "|" + string(level)
}

func newAlert(kind string, level models.AlertLevel, subject, message string, snap *Snapshot, m map[string]interface{}) models.AlertEvent {
	return models.AlertEvent{
		Key:       alertKey(kind, level),
		Subject:   subject,
		Message:   message,
		Level:     level,
		Metrics:   m,
		Timestamp: snap.GeneratedAt,
	}
}

// Evaluate applies the threshold rules in a fixed order. It has no side effects.
func (s *AlertService) Evaluate(snap *Snapshot) []models.AlertEvent {
	cfg := s.cfg
	var alerts []models.AlertEvent

	if snap.ChurnRate > cfg.ChurnThreshold {
		alerts = append(alerts, newAlert(AlertHighChurn, models.AlertCritical,
			"High churn rate",
			fmt.Sprintf("Churn rate is %.2f%% over the last %d days (threshold %.2f%%)", snap.ChurnRate, snap.WindowDays, cfg.ChurnThreshold),
			snap, map[string]interface{}{"churn_rate": snap.ChurnRate, "threshold": cfg.ChurnThreshold}))
	}

	// no trial ended in the window, so there is no rate to judge
	if snap.TrialsEnded > 0 && snap.TrialConversionRate < cfg.TrialConversionFloor {
		alerts = append(alerts, newAlert(AlertLowConversion, models.AlertWarning,
			"Low trial conversion",
			fmt.Sprintf("Trial conversion is %.2f%% over the last %d days (floor %.2f%%)", snap.TrialConversionRate, snap.WindowDays, cfg.TrialConversionFloor),
			snap, map[string]interface{}{"trial_conversion_rate": snap.TrialConversionRate, "trials_ended": snap.TrialsEnded, "floor": cfg.TrialConversionFloor}))
	}

	if snap.PaymentFailures > 0 {
		level := models.AlertWarning
		if snap.PaymentFailures > int64(cfg.PaymentFailureCritical) {
			level = models.AlertCritical
		}
		alerts = append(alerts, newAlert(AlertPaymentFailures, level,
			"Payment failures",
			fmt.Sprintf("%d payment failures in the last %d days", snap.PaymentFailures, snap.WindowDays),
			snap, map[string]interface{}{"payment_failures": snap.PaymentFailures}))
	}

	if snap.ExpiringCards > 0 {
		alerts = append(alerts, newAlert(AlertExpiringCards, models.AlertInfo,
			"Cards expiring soon",
			fmt.Sprintf("%d payment methods expire within %d days", snap.ExpiringCards, cfg.ExpiringCardHorizonDays),
			snap, map[string]interface{}{"expiring_cards": snap.ExpiringCards}))
	}

	if snap.TrialsEndingSoon > 0 {
		alerts = append(alerts, newAlert(AlertTrialsEndingSoon, models.AlertInfo,
			"Trials ending soon",
			fmt.Sprintf("%d trials end within %d days", snap.TrialsEndingSoon, cfg.TrialEndingSoonDays),
			snap, map[string]interface{}{"trials_ending_soon": snap.TrialsEndingSoon}))
	}

	if snap.HealthScore < cfg.HealthScoreFloor {
		alerts = append(alerts, newAlert(AlertLowHealthScore, models.AlertWarning,
			"Low subscription health",
			fmt.Sprintf("Health score is %d (floor %d)", snap.HealthScore, cfg.HealthScoreFloor),
			snap, map[string]interface{}{"health_score": snap.HealthScore}))
	}

	switch {
	case snap.MRRChangePercent < cfg.MRRDropPercent:
		alerts = append(alerts, newAlert(AlertMRRDrop, models.AlertError,
			"MRR decline",
			fmt.Sprintf("MRR changed %.2f%% over the last %d days", snap.MRRChangePercent, snap.WindowDays),
			snap, map[string]interface{}{"mrr": snap.MRR, "mrr_change_percent": snap.MRRChangePercent}))
	case snap.MRRChangePercent > cfg.MRRGrowthPercent:
		alerts = append(alerts, newAlert(AlertMRRGrowth, models.AlertInfo,
			"MRR growth",
			fmt.Sprintf("MRR grew %.2f%% over the last %d days", snap.MRRChangePercent, snap.WindowDays),
			snap, map[string]interface{}{"mrr": snap.MRR, "mrr_change_percent": snap.MRRChangePercent}))
	}

	return alerts
}

// Dispatch sends every alert whose key is not in its cool-down. It returns the number
// sent; failures of individual alerts are joined into err after the rest were tried.
func (s *AlertService) Dispatch(ctx context.Context, alerts []models.AlertEvent) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, alert := range alerts {
		log := s.logger.WithFields(logrus.Fields{"alert_key": alert.Key, "level": alert.Level})

		throttled, err := s.throttle.ShouldThrottle(ctx, alert.Key)
		if err != nil {
			// a throttle outage must not silence alerts
			log.WithError(err).Warn("Alert throttle unavailable, sending anyway")
		} else if throttled {
			metrics.AlertsTotal.WithLabelValues(string(alert.Level), "throttled").Inc()
			log.Debug("Alert throttled")
			continue
		}

		if err := s.dispatcher.DispatchAlert(ctx, alert); err != nil {
			metrics.AlertsTotal.WithLabelValues(string(alert.Level), "failed").Inc()
			log.WithError(err).Error("Failed to dispatch alert")
			errs = append(errs, fmt.Errorf("alert %s: %w", alert.Key, err))
			continue
		}
		metrics.AlertsTotal.WithLabelValues(string(alert.Level), "dispatched").Inc()
		sent++
	}
	return sent, errors.Join(errs...)
}

// HealthMonitor runs snapshot, gauges, rules and dispatch as one job
type HealthMonitor struct {
	metrics *MetricsService
	alerts  *AlertService
	logger  *logrus.Logger
	days    int
}

// NewHealthMonitor creates the periodic health pipeline
func NewHealthMonitor(m *MetricsService, a *AlertService, cfg config.AlertConfig, logger *logrus.Logger) *HealthMonitor {
	return &HealthMonitor{metrics: m, alerts: a, logger: logger, days: cfg.LookbackDays}
}

// Run builds a snapshot, exports it and dispatches the resulting alerts
func (h *HealthMonitor) Run(ctx context.Context) error {
	snap, err := h.metrics.Snapshot(ctx, h.days)
	if err != nil {
		return fmt.Errorf("failed to build metrics snapshot: %w", err)
	}
	metrics.SetSnapshot(metrics.Snapshot{
		MRR:                 snap.MRR,
		ChurnRate:           snap.ChurnRate,
		TrialConversionRate: snap.TrialConversionRate,
		HealthScore:         snap.HealthScore,
		StatusCounts:        snap.StatusCounts(),
	})

	alerts := h.alerts.Evaluate(snap)
	sent, err := h.alerts.Dispatch(ctx, alerts)
	h.logger.WithFields(logrus.Fields{
		"health_score": snap.HealthScore,
		"alerts":       len(alerts),
		"sent":         sent,
	}).Info("Health monitor completed")
	return err
}

// DailySummary sends the full snapshot as an info alert. The key carries the date so
// the throttle only suppresses a second summary on the same day.
func (h *HealthMonitor) DailySummary(ctx context.Context) error {
	snap, err := h.metrics.Snapshot(ctx, h.days)
	if err != nil {
		return fmt.Errorf("failed to build metrics snapshot: %w", err)
	}
	alert := models.AlertEvent{
		Key:     alertKey(AlertDailySummary, models.AlertInfo) + "|" + snap.GeneratedAt.Format("2006-01-02"),
		Subject: "Daily subscription summary",
		Message: fmt.Sprintf("MRR %d, %d active, %d trialing, churn %.2f%%, conversion %.2f%%, health %d",
			snap.MRR, snap.ActiveCount, snap.TrialCount, snap.ChurnRate, snap.TrialConversionRate, snap.HealthScore),
		Level: models.AlertInfo,
		Metrics: map[string]interface{}{
			"mrr":                   snap.MRR,
			"arr":                   snap.ARR,
			"arpu":                  snap.ARPU,
			"active_count":          snap.ActiveCount,
			"trial_count":           snap.TrialCount,
			"past_due_count":        snap.PastDueCount,
			"canceled_count":        snap.CanceledCount,
			"churn_rate":            snap.ChurnRate,
			"trial_conversion_rate": snap.TrialConversionRate,
			"payment_failures":      snap.PaymentFailures,
			"expiring_cards":        snap.ExpiringCards,
			"trials_ending_soon":    snap.TrialsEndingSoon,
			"new_subscriptions":     snap.NewSubscriptions,
			"cancellations":         snap.Cancellations,
			"upcoming_renewals":     len(snap.UpcomingRenewals),
			"mrr_change_percent":    snap.MRRChangePercent,
			"health_score":          snap.HealthScore,
		},
		Timestamp: snap.GeneratedAt,
	}
	_, err = h.alerts.Dispatch(ctx, []models.AlertEvent{alert})
	return err
}
