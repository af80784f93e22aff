package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"subscription-service/internal/clock"
	"subscription-service/internal/lock"
	"subscription-service/internal/metrics"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

// WebhookOutcome says how an event was handled. Only OutcomeFailed is an error.
type WebhookOutcome string

const (
	OutcomeApplied            WebhookOutcome = metrics.OutcomeApplied
	OutcomeDuplicate          WebhookOutcome = metrics.OutcomeDuplicate
	OutcomeStale              WebhookOutcome = metrics.OutcomeStale
	OutcomeUntracked          WebhookOutcome = metrics.OutcomeUntracked
	OutcomeUnmapped           WebhookOutcome = metrics.OutcomeUnmapped
	OutcomeRejectedTransition WebhookOutcome = metrics.OutcomeRejectedTransition
	OutcomeIgnored            WebhookOutcome = metrics.OutcomeIgnored
	OutcomeUnparseable        WebhookOutcome = metrics.OutcomeUnparseable
	OutcomeFailed             WebhookOutcome = metrics.OutcomeFailed
)

// reconciliation is what a handler decided for one event
type reconciliation struct {
	outcome WebhookOutcome
	// skipWrite leaves the assignment row untouched
	skipWrite bool
	// paymentFailed is counted once the write commits
	paymentFailed bool
	notify        []models.LifecycleEvent
}

type webhookHandler func(ctx context.Context, tx *repository.Store, a *models.PlanAssignment, ev *models.WebhookEvent, now time.Time) (reconciliation, error)

// WebhookService reconciles gateway events into local assignment state
type WebhookService struct {
	store      *repository.Store
	locker     lock.Locker
	ledger     EventLedger
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *logrus.Logger
	handlers   map[models.EventType]webhookHandler
}

// NewWebhookService creates a new webhook service
func NewWebhookService(
	store *repository.Store,
	locker lock.Locker,
	ledger EventLedger,
	dispatcher Dispatcher,
	clk clock.Clock,
	logger *logrus.Logger,
) *WebhookService {
	s := &WebhookService{
		store:      store,
		locker:     locker,
		ledger:     ledger,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
	}
	s.handlers = map[models.EventType]webhookHandler{
		models.EventSubscriptionCreated: s.handleSubscriptionChanged,
		models.EventSubscriptionUpdated: s.handleSubscriptionChanged,
		models.EventSubscriptionDeleted: s.handleSubscriptionDeleted,
		models.EventPaymentSucceeded:    s.handlePaymentSucceeded,
		models.EventInvoicePaid:         s.handlePaymentSucceeded,
		models.EventPaymentFailed:       s.handlePaymentFailed,
	}
	return s
}

// HandleWebhookEvent applies one verified event at most once. Duplicate, stale, untracked
// and unmapped events are successful no-ops; an error means the event should be redelivered.
func (s *WebhookService) HandleWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (outcome WebhookOutcome, err error) {
	ctx, span := tracer.Start(ctx, "HandleWebhookEvent")
	started := time.Now()
	eventType := "unknown"
	if ev != nil {
		eventType = string(ev.Type)
		span.SetAttributes(attribute.String("event_type", eventType), attribute.String("event_id", ev.ID))
	}
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		endSpan(span, err)
		metrics.ObserveWebhook(eventType, string(outcome), time.Since(started).Seconds())
	}()

	if ev == nil || ev.ID == "" {
		return OutcomeUnparseable, nil
	}
	log := s.logger.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	handler, ok := s.handlers[ev.Type]
	if !ok {
		log.WithField("outcome", OutcomeIgnored).Info("Webhook event type not handled")
		return OutcomeIgnored, nil
	}

	if seen := s.seen(ctx, log, ev.ID); seen {
		log.WithField("outcome", OutcomeDuplicate).Info("Webhook event already applied")
		return OutcomeDuplicate, nil
	}

	externalID := ev.SubscriptionID()
	if externalID == "" {
		log.WithField("outcome", OutcomeUntracked).Info("Webhook event has no subscription reference")
		return OutcomeUntracked, nil
	}
	found, err := s.store.Assignments.GetByExternalSubscriptionID(ctx, externalID)
	if err != nil {
		log.WithError(err).WithField("outcome", OutcomeFailed).Error("Failed to look up assignment for webhook event")
		return OutcomeFailed, err
	}
	if found == nil {
		log.WithFields(logrus.Fields{
			"outcome":                  OutcomeUntracked,
			"external_subscription_id": externalID,
		}).Info("Webhook event refers to an untracked subscription")
		return OutcomeUntracked, nil
	}

	log = log.WithFields(logrus.Fields{
		"tenant_id":     found.TenantID,
		"assignment_id": found.ID,
	})
	span.SetAttributes(attribute.String("tenant_id", found.TenantID.String()))

	var result reconciliation
	err = withTenantLock(ctx, s.locker, found.TenantID, func() error {
		// a concurrent delivery of the same event may have finished while we waited
		if s.seen(ctx, log, ev.ID) {
			result.outcome = OutcomeDuplicate
			return nil
		}

		a, err := s.store.Assignments.GetByID(ctx, found.ID)
		if err != nil {
			return err
		}
		if a == nil || a.ExternalID() != externalID {
			result.outcome = OutcomeUntracked
			return nil
		}
		if a.LastReconciledAt != nil && ev.OccurredAt.Before(a.LastReconciledAt.Truncate(time.Second)) {
			result.outcome = OutcomeStale
			return nil
		}
		// gateway timestamps have second resolution, so an event in the watermark's own
		// second may predate the last local write
		mayPredate := a.LastReconciledAt != nil && ev.OccurredAt.Before(*a.LastReconciledAt)
		from := a.Status

		now := s.clock.Now()
		err = s.store.InTx(ctx, func(tx *repository.Store) error {
			r, err := handler(ctx, tx, a, ev, now)
			if err != nil {
				return err
			}
			// a status snapshot that may be older than the last write must not move status
			if mayPredate && ev.Type.IsStatusSnapshot() && a.Status != from {
				result = reconciliation{outcome: OutcomeStale, skipWrite: true}
				return nil
			}
			result = r
			if r.skipWrite {
				return nil
			}
			if a.LastReconciledAt == nil || ev.OccurredAt.After(*a.LastReconciledAt) {
				occurred := ev.OccurredAt
				a.LastReconciledAt = &occurred
			}
			return tx.Assignments.Update(ctx, a, now)
		})
		if err != nil {
			return conflictOr(err, "assignment", a.ID.String())
		}

		if err := s.ledger.Remember(ctx, ev.ID); err != nil {
			log.WithError(err).Warn("Failed to record webhook event in ledger")
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("outcome", OutcomeFailed).Error("Failed to reconcile webhook event")
		return OutcomeFailed, err
	}

	entry := log.WithField("outcome", result.outcome)
	switch result.outcome {
	case OutcomeApplied:
		entry.Info("Webhook event applied")
	case OutcomeRejectedTransition:
		entry.Warn("Webhook event implies an illegal transition; local status kept")
	default:
		entry.Info("Webhook event not applied")
	}

	if result.paymentFailed {
		metrics.PaymentFailuresTotal.Inc()
	}
	for _, n := range result.notify {
		notify(ctx, s.dispatcher, s.logger, n)
	}
	return result.outcome, nil
}

// seen consults the ledger. A ledger outage is logged and treated as unseen; the version
// check and the unique payment event id still prevent double application.
func (s *WebhookService) seen(ctx context.Context, log *logrus.Entry, eventID string) bool {
	seen, err := s.ledger.Seen(ctx, eventID)
	if err != nil {
		log.WithError(err).Warn("Event ledger unavailable")
		return false
	}
	return seen
}

func (s *WebhookService) handleSubscriptionChanged(_ context.Context, _ *repository.Store, a *models.PlanAssignment, ev *models.WebhookEvent, now time.Time) (reconciliation, error) {
	obj := ev.Subscription
	if obj == nil {
		return reconciliation{outcome: OutcomeUnparseable, skipWrite: true}, nil
	}

	a.ExternalStatus = obj.Status
	if obj.PriceID != "" {
		priceID := obj.PriceID
		a.ExternalPriceID = &priceID
	}

	target, ok := MapExternalStatus(obj.Status)
	if !ok {
		return reconciliation{outcome: OutcomeUnmapped}, nil
	}
	// cancel-at-period-end keeps the upstream status live until the period closes
	if obj.CancelAtPeriodEnd && target.IsCurrent() {
		target = models.StatusCanceled
	}

	from := a.Status
	if target == from {
		if from == models.StatusTrialing && obj.TrialEnd != nil {
			a.TrialEndsAt = obj.TrialEnd
		}
		return reconciliation{outcome: OutcomeApplied}, nil
	}
	if !CanTransition(from, target) {
		return reconciliation{outcome: OutcomeRejectedTransition}, nil
	}

	event := models.LifecycleSubscriptionUpdated
	switch target {
	case models.StatusCanceled:
		endsAt := ev.OccurredAt
		switch {
		case obj.CancelAtPeriodEnd && obj.CancelAt != nil:
			endsAt = *obj.CancelAt
		case obj.CanceledAt != nil:
			endsAt = *obj.CanceledAt
		}
		a.EndsAt = &endsAt
		if a.CancellationReason == nil {
			reason := models.ReasonGatewayCancel
			a.CancellationReason = &reason
		}
		event = models.LifecycleSubscriptionCancelled

	case models.StatusActive, models.StatusTrialing:
		if from == models.StatusCanceled {
			if !a.InGracePeriod(now) {
				return reconciliation{outcome: OutcomeRejectedTransition}, nil
			}
			a.EndsAt = nil
			a.CancellationReason = nil
			event = models.LifecycleSubscriptionReactivated
		}
		if target == models.StatusTrialing && obj.TrialEnd != nil {
			a.TrialEndsAt = obj.TrialEnd
		}
	}
	a.Status = target

	return reconciliation{
		outcome: OutcomeApplied,
		notify: []models.LifecycleEvent{{
			Event:    event,
			TenantID: a.TenantID.String(),
			Data: map[string]interface{}{
				"assignment_id": a.ID.String(),
				"from_status":   from,
				"to_status":     target,
				"ends_at":       a.EndsAt,
			},
			Timestamp: now,
		}},
	}, nil
}

func (s *WebhookService) handleSubscriptionDeleted(_ context.Context, _ *repository.Store, a *models.PlanAssignment, ev *models.WebhookEvent, now time.Time) (reconciliation, error) {
	if ev.Subscription != nil && ev.Subscription.Status != "" {
		a.ExternalStatus = ev.Subscription.Status
	} else {
		a.ExternalStatus = "canceled"
	}

	endsAt := ev.OccurredAt
	if a.EndsAt != nil && a.EndsAt.Before(endsAt) {
		endsAt = *a.EndsAt
	}

	from := a.Status
	switch {
	case from == models.StatusPending:
		a.Status = models.StatusExpired
		a.EndsAt = &endsAt
		return reconciliation{outcome: OutcomeApplied}, nil
	case from.IsCurrent():
		a.Status = models.StatusCanceled
	case from == models.StatusCanceled:
		a.EndsAt = &endsAt
		return reconciliation{outcome: OutcomeApplied}, nil
	default:
		return reconciliation{outcome: OutcomeApplied}, nil
	}

	a.EndsAt = &endsAt
	if a.CancellationReason == nil {
		reason := models.ReasonGatewayDeleted
		a.CancellationReason = &reason
	}
	return reconciliation{
		outcome: OutcomeApplied,
		notify: []models.LifecycleEvent{{
			Event:    models.LifecycleSubscriptionCancelled,
			TenantID: a.TenantID.String(),
			Data: map[string]interface{}{
				"assignment_id": a.ID.String(),
				"from_status":   from,
				"ends_at":       endsAt,
				"reason":        *a.CancellationReason,
			},
			Timestamp: now,
		}},
	}, nil
}

func (s *WebhookService) handlePaymentSucceeded(ctx context.Context, tx *repository.Store, a *models.PlanAssignment, ev *models.WebhookEvent, now time.Time) (reconciliation, error) {
	inv := ev.Invoice
	if inv == nil {
		return reconciliation{outcome: OutcomeUnparseable, skipWrite: true}, nil
	}

	inserted, err := tx.PaymentEvents.Record(ctx, paymentEvent(a, ev, models.PaymentSucceeded, inv.AmountPaid, ""))
	if err != nil {
		return reconciliation{}, err
	}
	if !inserted {
		return reconciliation{outcome: OutcomeDuplicate, skipWrite: true}, nil
	}

	switch a.Status {
	case models.StatusPastDue:
		a.Status = models.StatusActive
	case models.StatusTrialing:
		// the zero-amount invoice issued at trial start does not end the trial
		trialOver := a.TrialEndsAt == nil || !ev.OccurredAt.Before(*a.TrialEndsAt)
		if inv.AmountPaid > 0 || trialOver {
			a.Status = models.StatusActive
		}
	}

	return reconciliation{
		outcome: OutcomeApplied,
		notify: []models.LifecycleEvent{{
			Event:    models.LifecyclePaymentSucceeded,
			TenantID: a.TenantID.String(),
			Data: map[string]interface{}{
				"assignment_id": a.ID.String(),
				"invoice_id":    inv.ID,
				"amount":        inv.AmountPaid,
				"currency":      inv.Currency,
			},
			Timestamp: now,
		}},
	}, nil
}

func (s *WebhookService) handlePaymentFailed(ctx context.Context, tx *repository.Store, a *models.PlanAssignment, ev *models.WebhookEvent, now time.Time) (reconciliation, error) {
	inv := ev.Invoice
	if inv == nil {
		return reconciliation{outcome: OutcomeUnparseable, skipWrite: true}, nil
	}

	reason := inv.FailureReason
	if reason == "" {
		reason = "payment_failed"
	}
	inserted, err := tx.PaymentEvents.Record(ctx, paymentEvent(a, ev, models.PaymentFailed, inv.AmountDue, reason))
	if err != nil {
		return reconciliation{}, err
	}
	if !inserted {
		return reconciliation{outcome: OutcomeDuplicate, skipWrite: true}, nil
	}
	if a.Status == models.StatusTrialing || a.Status == models.StatusActive {
		a.Status = models.StatusPastDue
	}

	return reconciliation{
		outcome:       OutcomeApplied,
		paymentFailed: true,
		notify: []models.LifecycleEvent{{
			Event:    models.LifecyclePaymentFailed,
			TenantID: a.TenantID.String(),
			Data: map[string]interface{}{
				"assignment_id": a.ID.String(),
				"invoice_id":    inv.ID,
				"amount":        inv.AmountDue,
				"currency":      inv.Currency,
				"reason":        reason,
				"attempt_count": inv.AttemptCount,
			},
			Timestamp: now,
		}},
	}, nil
}

func paymentEvent(a *models.PlanAssignment, ev *models.WebhookEvent, kind models.PaymentEventKind, amount int64, reason string) *models.PaymentEvent {
	pe := &models.PaymentEvent{
		TenantID:          a.TenantID,
		AssignmentID:      a.ID,
		ExternalEventID:   ev.ID,
		ExternalInvoiceID: ev.Invoice.ID,
		Kind:              kind,
		Amount:            amount,
		Currency:          ev.Invoice.Currency,
		Reason:            reason,
		OccurredAt:        ev.OccurredAt,
	}
	if len(ev.Raw) > 0 {
		pe.Payload = datatypes.JSON(ev.Raw)
	}
	return pe
}
