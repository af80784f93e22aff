package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"subscription-service/internal/models"
)

// Dispatcher hands alerts and lifecycle notifications to the notification system
type Dispatcher interface {
	DispatchAlert(ctx context.Context, alert models.AlertEvent) error
	DispatchLifecycle(ctx context.Context, event models.LifecycleEvent) error
}

// EventLedger remembers applied webhook event ids for a bounded window
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// AlertThrottle suppresses repeats of an alert key during its cool-down
type AlertThrottle interface {
	ShouldThrottle(ctx context.Context, alertKey string) (bool, error)
}

// LogDispatcher writes notifications to the log. It is used when NATS is disabled.
type LogDispatcher struct {
	logger *logrus.Logger
}

// NewLogDispatcher creates a dispatcher that only logs
func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) DispatchAlert(_ context.Context, alert models.AlertEvent) error {
	d.logger.WithFields(logrus.Fields{
		"alert_key": alert.Key,
		"level":     alert.Level,
		"subject":   alert.Subject,
		"metrics":   alert.Metrics,
	}).Warn(alert.Message)
	return nil
}

func (d *LogDispatcher) DispatchLifecycle(_ context.Context, event models.LifecycleEvent) error {
	d.logger.WithFields(logrus.Fields{
		"event":     event.Event,
		"tenant_id": event.TenantID,
		"data":      event.Data,
	}).Info("Lifecycle notification")
	return nil
}

// notify dispatches a lifecycle event after commit. Delivery failures are logged, not returned.
func notify(ctx context.Context, d Dispatcher, logger *logrus.Logger, event models.LifecycleEvent) {
	if d == nil {
		return
	}
	if err := d.DispatchLifecycle(ctx, event); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"event":     event.Event,
			"tenant_id": event.TenantID,
		}).Error("Failed to dispatch lifecycle notification")
	}
}
