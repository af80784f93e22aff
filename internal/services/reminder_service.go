package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"subscription-service/internal/clock"
	"subscription-service/internal/config"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

// ReminderService sends trial-ending and subscription-ending reminders at most once per assignment
type ReminderService struct {
	store      *repository.Store
	dispatcher Dispatcher
	clock      clock.Clock
	cfg        config.ReminderConfig
	logger     *logrus.Logger
}

// NewReminderService creates a new reminder scanner
func NewReminderService(store *repository.Store, dispatcher Dispatcher, clk clock.Clock, cfg config.ReminderConfig, logger *logrus.Logger) *ReminderService {
	return &ReminderService{store: store, dispatcher: dispatcher, clock: clk, cfg: cfg, logger: logger}
}

// Scan sends every due reminder that has no marker yet and returns how many were sent
func (s *ReminderService) Scan(ctx context.Context) (int, error) {
	now := s.clock.Now()

	trials, err := s.store.Assignments.ListTrialsEndingBetween(ctx, now, now.AddDate(0, 0, s.cfg.TrialDaysAhead))
	if err != nil {
		return 0, err
	}
	ending, err := s.store.Assignments.ListCanceledEndingBetween(ctx, now, now.AddDate(0, 0, s.cfg.EndingDaysAhead))
	if err != nil {
		return 0, err
	}

	var (
		sent int
		errs []error
	)
	for i := range trials {
		a := &trials[i]
		ok, err := s.remind(ctx, a, models.ReminderTrialEnding, models.LifecycleEvent{
			Event:    models.LifecycleTrialEnding,
			TenantID: a.TenantID.String(),
			Data: map[string]interface{}{
				"assignment_id":  a.ID.String(),
				"plan_id":        a.PlanID.String(),
				"trial_ends_at":  a.TrialEndsAt,
				"days_remaining": a.TrialDaysRemaining(now),
			},
			Timestamp: now,
		})
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			sent++
		}
	}
	for i := range ending {
		a := &ending[i]
		ok, err := s.remind(ctx, a, models.ReminderSubscriptionEnding, models.LifecycleEvent{
			Event:    models.LifecycleSubscriptionEnding,
			TenantID: a.TenantID.String(),
			Data: map[string]interface{}{
				"assignment_id":  a.ID.String(),
				"plan_id":        a.PlanID.String(),
				"ends_at":        a.EndsAt,
				"days_remaining": a.DaysUntilEnd(now),
			},
			Timestamp: now,
		})
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			sent++
		}
	}

	if sent > 0 {
		s.logger.WithField("sent", sent).Info("Reminder scan completed")
	}
	return sent, errors.Join(errs...)
}

// remind claims the marker first so concurrent scans cannot both send. A failed
// dispatch releases the marker for the next scan.
func (s *ReminderService) remind(ctx context.Context, a *models.PlanAssignment, kind models.ReminderKind, event models.LifecycleEvent) (bool, error) {
	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":     a.TenantID,
		"assignment_id": a.ID,
		"kind":          kind,
	})

	claimed, err := s.store.Reminders.TryMark(ctx, a.ID, kind, s.clock.Now())
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := s.dispatcher.DispatchLifecycle(ctx, event); err != nil {
		log.WithError(err).Error("Failed to dispatch reminder")
		if unmarkErr := s.store.Reminders.Unmark(ctx, a.ID, kind); unmarkErr != nil {
			log.WithError(unmarkErr).Error("Failed to release reminder marker")
		}
		return false, fmt.Errorf("reminder %s for assignment %s: %w", kind, a.ID, err)
	}
	log.Debug("Reminder sent")
	return true, nil
}
