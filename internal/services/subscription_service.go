package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subscription-service/internal/billing"
	"subscription-service/internal/clock"
	"subscription-service/internal/config"
	"subscription-service/internal/gateway"
	"subscription-service/internal/lock"
	"subscription-service/internal/metrics"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

var tracer = otel.Tracer("subscription-service/services")

// SubscriptionService runs the user-initiated lifecycle commands. Every command holds the
// tenant lock for its whole read-modify-write and calls the gateway before committing.
type SubscriptionService struct {
	store       *repository.Store
	gateway     gateway.Gateway
	locker      lock.Locker
	dispatcher  Dispatcher
	clock       clock.Clock
	logger      *logrus.Logger
	gracePeriod time.Duration
}

// NewSubscriptionService creates a new subscription service
func NewSubscriptionService(
	store *repository.Store,
	gw gateway.Gateway,
	locker lock.Locker,
	dispatcher Dispatcher,
	clk clock.Clock,
	cfg config.SubscriptionConfig,
	logger *logrus.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		store:       store,
		gateway:     gw,
		locker:      locker,
		dispatcher:  dispatcher,
		clock:       clk,
		logger:      logger,
		gracePeriod: cfg.GracePeriod(),
	}
}

// withTenantLock serializes fn against every other mutation of the tenant
func withTenantLock(ctx context.Context, locker lock.Locker, tenantID uuid.UUID, fn func() error) error {
	release, err := locker.Acquire(ctx, lock.TenantKey(tenantID.String()))
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return NewConcurrencyConflictError("tenant", tenantID.String(), err)
		}
		return err
	}
	defer release()
	return fn()
}

// conflictOr turns a lost optimistic update into a ConcurrencyConflictError
func conflictOr(err error, resource, id string) error {
	if errors.Is(err, repository.ErrVersionConflict) {
		return NewConcurrencyConflictError(resource, id, err)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SubscribeRequest starts a tenant on a plan
type SubscribeRequest struct {
	TenantID     uuid.UUID
	PlanID       uuid.UUID
	BillingCycle models.BillingCycle
}

// Subscribe creates the tenant's first term on a plan. Paid plans are created upstream
// first; the term stays pending while the gateway reports the subscription incomplete.
func (s *SubscriptionService) Subscribe(ctx context.Context, req SubscribeRequest) (result *models.PlanAssignment, err error) {
	ctx, span := tracer.Start(ctx, "Subscribe")
	defer func() { endSpan(span, err) }()
	defer func() { metrics.ObserveCommand("subscribe", err) }()
	span.SetAttributes(attribute.String("tenant_id", req.TenantID.String()), attribute.String("plan_id", req.PlanID.String()))

	err = withTenantLock(ctx, s.locker, req.TenantID, func() error {
		tenant, err := s.store.Tenants.GetByID(ctx, req.TenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return NewNotFoundError("tenant", req.TenantID.String())
		}
		plan, err := s.activePlan(ctx, req.PlanID)
		if err != nil {
			return err
		}

		cycle := req.BillingCycle
		if cycle == "" {
			cycle = plan.Interval
		}
		if !cycle.Valid() {
			return NewValidationError("billing_cycle", fmt.Sprintf("unsupported billing cycle %q", cycle))
		}

		if existing, err := s.store.Assignments.GetCurrent(ctx, tenant.ID); err != nil {
			return err
		} else if existing != nil {
			return NewInvalidStateError("subscribe", string(existing.Status), "tenant already has a current subscription")
		}
		if pending, err := s.store.Assignments.GetPending(ctx, tenant.ID); err != nil {
			return err
		} else if pending != nil {
			return NewInvalidStateError("subscribe", string(pending.Status), "a subscription is awaiting payment confirmation")
		}

		now := s.clock.Now()
		a := &models.PlanAssignment{
			TenantID:        tenant.ID,
			PlanID:          plan.ID,
			BillingCycle:    cycle,
			StartsAt:        now,
			ExternalPriceID: plan.ExternalPriceID,
		}
		if plan.HasTrial() {
			trialEnd := now.AddDate(0, 0, plan.TrialDays)
			a.TrialEndsAt = &trialEnd
		}
		a.Status = initialStatus(a.TrialEndsAt, now)

		if isBillable(plan) {
			customerID, err := s.ensureCustomer(ctx, tenant)
			if err != nil {
				return err
			}
			sub, err := s.gateway.CreateSubscription(ctx, gateway.SubscriptionRequest{
				CustomerID:     customerID,
				PriceID:        *plan.ExternalPriceID,
				TrialDays:      plan.TrialDays,
				TenantID:       tenant.ID.String(),
				IdempotencyKey: fmt.Sprintf("subscribe:%s:%s:%s", tenant.ID, plan.ID, now.Format("2006-01-02")),
			})
			if err != nil {
				return err
			}
			a.ExternalSubscriptionID = &sub.ID
			a.ExternalStatus = sub.Status
			if sub.TrialEnd != nil {
				a.TrialEndsAt = sub.TrialEnd
			}
			if status, ok := MapExternalStatus(sub.Status); ok && status == models.StatusPending {
				a.Status = models.StatusPending
			} else {
				a.Status = initialStatus(a.TrialEndsAt, now)
			}
		}
		a.LastReconciledAt = &now

		if err := s.store.Assignments.Create(ctx, a); err != nil {
			s.logCommitAfterGateway(a, err)
			return err
		}
		a.Plan = plan
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":     result.TenantID,
		"assignment_id": result.ID,
		"plan":          result.Plan.Code,
		"status":        result.Status,
	}).Info("Subscription created")

	notify(ctx, s.dispatcher, s.logger, models.LifecycleEvent{
		Event:    models.LifecycleSubscriptionCreated,
		TenantID: result.TenantID.String(),
		Data: map[string]interface{}{
			"assignment_id": result.ID.String(),
			"plan":          result.Plan.Code,
			"status":        result.Status,
			"trial_ends_at": result.TrialEndsAt,
		},
		Timestamp: s.clock.Now(),
	})
	return result, nil
}

// ApplyPlanChange ends the tenant's current term and starts a new one on newPlanID.
// The upstream subscription is updated in place, so its id moves to the new term.
// Nothing is written locally when the gateway call fails.
func (s *SubscriptionService) ApplyPlanChange(ctx context.Context, tenantID, newPlanID uuid.UUID, cycle models.BillingCycle, prorate bool) (result *models.PlanAssignment, err error) {
	ctx, span := tracer.Start(ctx, "ApplyPlanChange")
	defer func() { endSpan(span, err) }()
	defer func() { metrics.ObserveCommand("change_plan", err) }()
	span.SetAttributes(attribute.String("tenant_id", tenantID.String()), attribute.String("plan_id", newPlanID.String()))

	var previous *models.PlanAssignment
	err = withTenantLock(ctx, s.locker, tenantID, func() error {
		current, err := s.store.Assignments.GetCurrent(ctx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			return noActiveSubscription(tenantID.String())
		}
		newPlan, err := s.activePlan(ctx, newPlanID)
		if err != nil {
			return err
		}

		if cycle == "" {
			cycle = current.BillingCycle
		}
		if !cycle.Valid() {
			return NewValidationError("billing_cycle", fmt.Sprintf("unsupported billing cycle %q", cycle))
		}
		if newPlan.ID == current.PlanID && cycle == current.BillingCycle {
			return NewInvalidStateError("change plan", string(current.Status), "tenant is already on this plan and cycle")
		}

		now := s.clock.Now()
		var credit int64
		if prorate && current.Plan != nil {
			credit, err = billing.ChangeCredit(current, current.Plan.CyclePrice(current.BillingCycle), now)
			if err != nil {
				return NewValidationError("proration", err.Error())
			}
		}

		next := &models.PlanAssignment{
			TenantID:         tenantID,
			PlanID:           newPlan.ID,
			BillingCycle:     cycle,
			StartsAt:         now,
			ExternalPriceID:  newPlan.ExternalPriceID,
			ProratedCredit:   credit,
			LastReconciledAt: &now,
		}
		if current.OnTrial(now) && newPlan.HasTrial() {
			trialEnd := now.AddDate(0, 0, newPlan.TrialDays)
			if current.TrialEndsAt.Before(trialEnd) {
				trialEnd = *current.TrialEndsAt
			}
			next.TrialEndsAt = &trialEnd
		}
		next.Status = initialStatus(next.TrialEndsAt, now)

		externalID := current.ExternalID()
		switch {
		case externalID != "" && isBillable(newPlan):
			sub, err := s.gateway.ChangeSubscriptionPrice(ctx, externalID, *newPlan.ExternalPriceID, prorate,
				fmt.Sprintf("change:%s:%d:%s", current.ID, current.Version, newPlan.ID))
			if err != nil {
				return err
			}
			next.ExternalSubscriptionID = &sub.ID
			next.ExternalStatus = sub.Status
			current.ExternalSubscriptionID = nil
		case externalID != "":
			// moving to a free plan: the paid subscription runs out at its period end
			if _, err := s.gateway.ScheduleCancel(ctx, externalID, fmt.Sprintf("cancel:%s:%d", current.ID, current.Version)); err != nil {
				return err
			}
		case isBillable(newPlan):
			tenant, err := s.store.Tenants.GetByID(ctx, tenantID)
			if err != nil {
				return err
			}
			if tenant == nil {
				return NewNotFoundError("tenant", tenantID.String())
			}
			customerID, err := s.ensureCustomer(ctx, tenant)
			if err != nil {
				return err
			}
			sub, err := s.gateway.CreateSubscription(ctx, gateway.SubscriptionRequest{
				CustomerID:     customerID,
				PriceID:        *newPlan.ExternalPriceID,
				TrialDays:      next.TrialDaysRemaining(now),
				TenantID:       tenantID.String(),
				IdempotencyKey: fmt.Sprintf("upgrade:%s:%d:%s", current.ID, current.Version, newPlan.ID),
			})
			if err != nil {
				return err
			}
			next.ExternalSubscriptionID = &sub.ID
			next.ExternalStatus = sub.Status
		}

		reason := models.ReasonChangedPlan
		current.Status = models.StatusCanceled
		current.CancellationReason = &reason
		current.EndsAt = &now
		current.LastReconciledAt = &now

		err = s.store.InTx(ctx, func(tx *repository.Store) error {
			if err := tx.Assignments.Update(ctx, current, now); err != nil {
				return err
			}
			if n, err := tx.Assignments.CountCurrent(ctx, tenantID, uuid.Nil); err != nil {
				return err
			} else if n > 0 {
				return NewConcurrencyConflictError("tenant", tenantID.String(), errors.New("another current assignment exists"))
			}
			return tx.Assignments.Create(ctx, next)
		})
		if err != nil {
			s.logCommitAfterGateway(next, err)
			return conflictOr(err, "assignment", current.ID.String())
		}

		next.Plan = newPlan
		previous = current
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"tenant_id":       tenantID,
		"assignment_id":   result.ID,
		"previous_id":     previous.ID,
		"to_plan":         result.Plan.Code,
		"status":          result.Status,
		"prorated_credit": result.ProratedCredit,
	}
	if previous.Plan != nil {
		fields["from_plan"] = previous.Plan.Code
	}
	s.logger.WithFields(fields).Info("Subscription plan changed")

	data := map[string]interface{}{
		"assignment_id":   result.ID.String(),
		"to_plan":         result.Plan.Code,
		"billing_cycle":   result.BillingCycle,
		"prorated_credit": result.ProratedCredit,
	}
	if previous.Plan != nil {
		data["from_plan"] = previous.Plan.Code
	}
	notify(ctx, s.dispatcher, s.logger, models.LifecycleEvent{
		Event:     models.LifecyclePlanChanged,
		TenantID:  tenantID.String(),
		Data:      data,
		Timestamp: s.clock.Now(),
	})
	return result, nil
}

// CancelSubscription cancels the current term. A trialing term ends with its trial,
// anything else after the grace period. Canceling a canceled term is a no-op.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, tenantID uuid.UUID, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "CancelSubscription")
	defer func() { endSpan(span, err) }()
	defer func() { metrics.ObserveCommand("cancel", err) }()
	span.SetAttributes(attribute.String("tenant_id", tenantID.String()))

	if reason == "" {
		reason = models.ReasonUserCancelled
	}

	var canceled *models.PlanAssignment
	err = withTenantLock(ctx, s.locker, tenantID, func() error {
		current, err := s.store.Assignments.GetCurrent(ctx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			latest, err := s.store.Assignments.GetLatest(ctx, tenantID)
			if err != nil {
				return err
			}
			if latest != nil && latest.Status == models.StatusCanceled {
				return nil
			}
			return noActiveSubscription(tenantID.String())
		}

		now := s.clock.Now()
		endsAt := now.Add(s.gracePeriod)
		if current.OnTrial(now) {
			endsAt = *current.TrialEndsAt
		}

		if externalID := current.ExternalID(); externalID != "" {
			sub, err := s.gateway.ScheduleCancel(ctx, externalID, fmt.Sprintf("cancel:%s:%d", current.ID, current.Version))
			if err != nil {
				return err
			}
			current.ExternalStatus = sub.Status
		}

		current.Status = models.StatusCanceled
		current.EndsAt = &endsAt
		current.CancellationReason = &reason
		current.LastReconciledAt = &now
		if err := s.store.Assignments.Update(ctx, current, now); err != nil {
			s.logCommitAfterGateway(current, err)
			return conflictOr(err, "assignment", current.ID.String())
		}
		canceled = current
		return nil
	})
	if err != nil || canceled == nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"assignment_id": canceled.ID,
		"ends_at":       canceled.EndsAt,
		"reason":        reason,
	}).Info("Subscription cancelled")

	notify(ctx, s.dispatcher, s.logger, models.LifecycleEvent{
		Event:    models.LifecycleSubscriptionCancelled,
		TenantID: tenantID.String(),
		Data: map[string]interface{}{
			"assignment_id": canceled.ID.String(),
			"ends_at":       canceled.EndsAt,
			"reason":        reason,
		},
		Timestamp: s.clock.Now(),
	})
	return nil
}

// ReactivateSubscription restores a canceled term that is still within its grace period
func (s *SubscriptionService) ReactivateSubscription(ctx context.Context, tenantID uuid.UUID) (err error) {
	ctx, span := tracer.Start(ctx, "ReactivateSubscription")
	defer func() { endSpan(span, err) }()
	defer func() { metrics.ObserveCommand("reactivate", err) }()
	span.SetAttributes(attribute.String("tenant_id", tenantID.String()))

	var restored *models.PlanAssignment
	err = withTenantLock(ctx, s.locker, tenantID, func() error {
		current, err := s.store.Assignments.GetCurrent(ctx, tenantID)
		if err != nil {
			return err
		}
		if current != nil {
			return notReactivatable(string(current.Status), "subscription is not canceled")
		}
		latest, err := s.store.Assignments.GetLatest(ctx, tenantID)
		if err != nil {
			return err
		}
		if latest == nil {
			return NewNotFoundError("subscription", tenantID.String())
		}

		now := s.clock.Now()
		if latest.Status != models.StatusCanceled {
			return notReactivatable(string(latest.Status), "subscription is not canceled")
		}
		if !latest.InGracePeriod(now) {
			return notReactivatable(string(latest.Status), "grace period has ended")
		}
		if latest.CancellationReason != nil && *latest.CancellationReason == models.ReasonChangedPlan {
			return notReactivatable(string(latest.Status), "term was replaced by a plan change")
		}

		if externalID := latest.ExternalID(); externalID != "" {
			sub, err := s.gateway.ResumeSubscription(ctx, externalID, fmt.Sprintf("reactivate:%s:%d", latest.ID, latest.Version))
			if err != nil {
				return err
			}
			latest.ExternalStatus = sub.Status
		}

		latest.Status = initialStatus(latest.TrialEndsAt, now)
		latest.EndsAt = nil
		latest.CancellationReason = nil
		latest.LastReconciledAt = &now
		if err := s.store.Assignments.Update(ctx, latest, now); err != nil {
			s.logCommitAfterGateway(latest, err)
			return conflictOr(err, "assignment", latest.ID.String())
		}
		restored = latest
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"assignment_id": restored.ID,
		"status":        restored.Status,
	}).Info("Subscription reactivated")

	notify(ctx, s.dispatcher, s.logger, models.LifecycleEvent{
		Event:    models.LifecycleSubscriptionReactivated,
		TenantID: tenantID.String(),
		Data: map[string]interface{}{
			"assignment_id": restored.ID.String(),
			"status":        restored.Status,
		},
		Timestamp: s.clock.Now(),
	})
	return nil
}

// SubscriptionOverview is the tenant's current term with derived facts and its history.
// The derived fields are computed at read time and never stored.
type SubscriptionOverview struct {
	Current            *models.PlanAssignment  `json:"current"`
	History            []models.PlanAssignment `json:"history"`
	OnTrial            bool                    `json:"on_trial"`
	TrialDaysRemaining int                     `json:"trial_days_remaining"`
	InGracePeriod      bool                    `json:"in_grace_period"`
	DaysUntilEnd       int                     `json:"days_until_end"`
	PeriodStart        *time.Time              `json:"period_start,omitempty"`
	PeriodEnd          *time.Time              `json:"period_end,omitempty"`
}

// GetSubscription returns the current (or most recent) term and the full history
func (s *SubscriptionService) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*SubscriptionOverview, error) {
	history, err := s.store.Assignments.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, NewNotFoundError("subscription", tenantID.String())
	}

	current := &history[0]
	for i := range history {
		if history[i].IsCurrent() {
			current = &history[i]
			break
		}
	}

	now := s.clock.Now()
	overview := &SubscriptionOverview{
		Current:            current,
		History:            history,
		OnTrial:            current.OnTrial(now),
		TrialDaysRemaining: current.TrialDaysRemaining(now),
		InGracePeriod:      current.InGracePeriod(now),
		DaysUntilEnd:       current.DaysUntilEnd(now),
	}
	if current.IsCurrent() {
		start, end := billing.CurrentPeriod(current, now)
		overview.PeriodStart = &start
		overview.PeriodEnd = &end
	}
	return overview, nil
}

// ListPlans returns the purchasable catalog
func (s *SubscriptionService) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return s.store.Plans.ListActive(ctx)
}

func (s *SubscriptionService) activePlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	plan, err := s.store.Plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, NewNotFoundError("plan", planID.String())
	}
	if !plan.IsActive {
		return nil, NewValidationError("plan_id", "plan is not available")
	}
	return plan, nil
}

// ensureCustomer returns the tenant's gateway customer, creating it on first use
func (s *SubscriptionService) ensureCustomer(ctx context.Context, tenant *models.Tenant) (string, error) {
	if tenant.BillingAccountRef != nil && *tenant.BillingAccountRef != "" {
		return *tenant.BillingAccountRef, nil
	}
	customerID, err := s.gateway.CreateCustomer(ctx, gateway.CustomerRequest{
		TenantID:       tenant.ID.String(),
		Email:          tenant.Email,
		Name:           tenant.Name,
		IdempotencyKey: "customer:" + tenant.ID.String(),
	})
	if err != nil {
		return "", err
	}
	if err := s.store.Tenants.SetBillingAccountRef(ctx, tenant.ID, customerID); err != nil {
		return "", err
	}
	tenant.BillingAccountRef = &customerID
	return customerID, nil
}

// logCommitAfterGateway records a local write that failed after the gateway accepted the
// change, with enough context for the drift check or an operator to repair it.
func (s *SubscriptionService) logCommitAfterGateway(a *models.PlanAssignment, err error) {
	if a.ExternalSubscriptionID == nil {
		return
	}
	s.logger.WithError(err).WithFields(logrus.Fields{
		"tenant_id":                a.TenantID,
		"assignment_id":            a.ID,
		"external_subscription_id": a.ExternalID(),
		"intended_status":          a.Status,
	}).Error("Local commit failed after gateway call succeeded; drift repair required")
}

// isBillable reports whether a plan is charged through the gateway
func isBillable(plan *models.Plan) bool {
	return plan.Price > 0 && plan.ExternalPriceID != nil && *plan.ExternalPriceID != ""
}
