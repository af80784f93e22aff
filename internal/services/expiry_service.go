package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/clock"
	"subscription-service/internal/lock"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

const expiryBatchSize = 100

// ExpiryService moves canceled assignments whose grace period has passed to expired
type ExpiryService struct {
	store      *repository.Store
	locker     lock.Locker
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *logrus.Logger
}

// NewExpiryService creates a new expiry sweep
func NewExpiryService(store *repository.Store, locker lock.Locker, dispatcher Dispatcher, clk clock.Clock, logger *logrus.Logger) *ExpiryService {
	return &ExpiryService{store: store, locker: locker, dispatcher: dispatcher, clock: clk, logger: logger}
}

// Sweep expires every canceled assignment with ends_at <= now and returns how many changed.
// Failures on single assignments do not stop the sweep.
func (s *ExpiryService) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var (
		expired int
		errs    []error
	)
	for {
		batch, err := s.store.Assignments.ListCanceledEndedBy(ctx, now, expiryBatchSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for i := range batch {
			ok, err := s.expire(ctx, batch[i].TenantID, batch[i].ID)
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"tenant_id":     batch[i].TenantID,
					"assignment_id": batch[i].ID,
				}).Error("Failed to expire assignment")
				errs = append(errs, err)
				continue
			}
			if ok {
				progressed++
			}
		}
		expired += progressed
		if len(batch) < expiryBatchSize || progressed == 0 {
			break
		}
	}

	if expired > 0 {
		s.logger.WithField("expired", expired).Info("Expiry sweep completed")
	}
	return expired, errors.Join(errs...)
}

// expire re-reads the assignment under the tenant lock; a reactivation that won the race leaves it alone
func (s *ExpiryService) expire(ctx context.Context, tenantID, assignmentID uuid.UUID) (bool, error) {
	var done *models.PlanAssignment
	err := withTenantLock(ctx, s.locker, tenantID, func() error {
		a, err := s.store.Assignments.GetByID(ctx, assignmentID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if a == nil || a.Status != models.StatusCanceled || a.EndsAt == nil || a.EndsAt.After(now) {
			return nil
		}
		if !CanTransition(a.Status, models.StatusExpired) {
			return fmt.Errorf("illegal transition %s -> %s", a.Status, models.StatusExpired)
		}
		a.Status = models.StatusExpired
		if err := s.store.Assignments.Update(ctx, a, now); err != nil {
			return conflictOr(err, "assignment", a.ID.String())
		}
		done = a
		return nil
	})
	if err != nil || done == nil {
		return false, err
	}

	notify(ctx, s.dispatcher, s.logger, models.LifecycleEvent{
		Event:    models.LifecycleSubscriptionEnded,
		TenantID: done.TenantID.String(),
		Data: map[string]interface{}{
			"assignment_id": done.ID.String(),
			"plan_id":       done.PlanID.String(),
			"ended_at":      done.EndsAt,
		},
		Timestamp: s.clock.Now(),
	})
	return true, nil
}
