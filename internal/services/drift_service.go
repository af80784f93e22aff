package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"subscription-service/internal/clock"
	"subscription-service/internal/gateway"
	"subscription-service/internal/lock"
	"subscription-service/internal/metrics"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

// DriftReport summarizes one drift check run
type DriftReport struct {
	Checked int `json:"checked"`
	Drifted int `json:"drifted"`
	Cleared int `json:"cleared"`
	Skipped int `json:"skipped"`
}

// DriftService compares local assignments with the gateway and flags disagreements.
// It only marks assignments; repairing them is left to an operator or a later webhook.
type DriftService struct {
	store   *repository.Store
	gateway gateway.Gateway
	locker  lock.Locker
	alerts  *AlertService
	clock   clock.Clock
	logger  *logrus.Logger
}

// NewDriftService creates a new drift checker
func NewDriftService(store *repository.Store, gw gateway.Gateway, locker lock.Locker, alerts *AlertService, clk clock.Clock, logger *logrus.Logger) *DriftService {
	return &DriftService{store: store, gateway: gw, locker: locker, alerts: alerts, clock: clk, logger: logger}
}

// Check fetches every reconcilable assignment from the gateway and records drift.
// Retryable gateway failures skip the assignment until the next run.
func (s *DriftService) Check(ctx context.Context) (*DriftReport, error) {
	list, err := s.store.Assignments.ListReconcilable(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}

	report := &DriftReport{}
	var errs []error
	for i := range list {
		a := &list[i]
		log := s.logger.WithFields(logrus.Fields{
			"tenant_id":                a.TenantID,
			"assignment_id":            a.ID,
			"external_subscription_id": a.ExternalID(),
		})

		note, err := s.compare(ctx, a)
		if err != nil {
			log.WithError(err).Warn("Drift check skipped assignment")
			report.Skipped++
			errs = append(errs, err)
			continue
		}
		report.Checked++

		changed, err := s.mark(ctx, a, note)
		if err != nil {
			log.WithError(err).Error("Failed to record drift marker")
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		if note == "" {
			report.Cleared++
			log.Info("Drift resolved")
			continue
		}

		report.Drifted++
		metrics.DriftDetectedTotal.Inc()
		log.WithField("drift", note).Warn("Subscription drift detected")
		if s.alerts != nil {
			alert := models.AlertEvent{
				Key:     alertKey(AlertDriftDetected, models.AlertWarning) + "|" + a.ID.String(),
				Subject: "Subscription out of sync with gateway",
				Message: fmt.Sprintf("Tenant %s: %s", a.TenantID, note),
				Level:   models.AlertWarning,
				Metrics: map[string]interface{}{
					"tenant_id":                a.TenantID.String(),
					"assignment_id":            a.ID.String(),
					"external_subscription_id": a.ExternalID(),
					"local_status":             string(a.Status),
				},
				Timestamp: s.clock.Now(),
			}
			if _, err := s.alerts.Dispatch(ctx, []models.AlertEvent{alert}); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"checked": report.Checked,
		"drifted": report.Drifted,
		"cleared": report.Cleared,
		"skipped": report.Skipped,
	}).Info("Drift check completed")
	return report, errors.Join(errs...)
}

// compare returns a description of the disagreement, or "" when both sides agree
func (s *DriftService) compare(ctx context.Context, a *models.PlanAssignment) (string, error) {
	sub, err := s.gateway.GetSubscription(ctx, a.ExternalID())
	if err != nil {
		if gwErr, ok := gateway.IsGatewayError(err); ok && !gwErr.Retryable {
			return fmt.Sprintf("local status %s but gateway subscription is unavailable (%s)", a.Status, gwErr.Code), nil
		}
		return "", err
	}

	upstream, ok := MapExternalStatus(sub.Status)
	if !ok {
		return fmt.Sprintf("local status %s but gateway status %q is unmapped", a.Status, sub.Status), nil
	}
	if sub.CancelAtPeriodEnd && upstream.IsCurrent() {
		upstream = models.StatusCanceled
	}
	if upstream != a.Status {
		return fmt.Sprintf("local status %s but gateway reports %s (%s)", a.Status, upstream, sub.Status), nil
	}

	if sub.PriceID == "" {
		return "", nil
	}
	plan, err := s.store.Plans.GetByExternalPriceID(ctx, sub.PriceID)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return fmt.Sprintf("gateway price %s matches no plan", sub.PriceID), nil
	}
	if plan.ID != a.PlanID {
		return fmt.Sprintf("local plan %s but gateway bills plan %s", a.PlanID, plan.Code), nil
	}
	return "", nil
}

// mark writes or clears the drift marker under the tenant lock. Status is never touched.
func (s *DriftService) mark(ctx context.Context, a *models.PlanAssignment, note string) (bool, error) {
	changed := false
	err := withTenantLock(ctx, s.locker, a.TenantID, func() error {
		fresh, err := s.store.Assignments.GetByID(ctx, a.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return nil
		}
		// a webhook may have moved the assignment since the gateway read
		if fresh.Status != a.Status {
			return nil
		}
		if fresh.DriftNote == note && (note == "") == (fresh.DriftDetectedAt == nil) {
			return nil
		}

		now := s.clock.Now()
		if note == "" {
			fresh.DriftDetectedAt = nil
		} else if fresh.DriftDetectedAt == nil {
			fresh.DriftDetectedAt = &now
		}
		fresh.DriftNote = note
		if err := s.store.Assignments.Update(ctx, fresh, now); err != nil {
			return conflictOr(err, "assignment", fresh.ID.String())
		}
		changed = true
		return nil
	})
	return changed, err
}
