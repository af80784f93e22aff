package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"golang.org/x/time/rate"

	"subscription-service/internal/config"
	"subscription-service/internal/models"
)

// StripeGateway talks to Stripe behind a circuit breaker and a client-side rate limit
type StripeGateway struct {
	webhookSecret string
	timeout       time.Duration
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	logger        *logrus.Logger
}

// NewStripeGateway configures the Stripe SDK and returns a gateway.
// Network retries are left to the caller so that retry policy stays in one place.
func NewStripeGateway(cfg config.StripeConfig, logger *logrus.Logger) *StripeGateway {
	stripe.Key = cfg.SecretKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}))

	g := &StripeGateway{
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:        logger,
	}
	g.breaker = newBreaker("stripe", logger)
	return g
}

func newBreaker(name string, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests >= 10 {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= 0.5
			}
			return false
		},
		// declines and invalid requests say nothing about the health of the API
		IsSuccessful: func(err error) bool {
			return err == nil || !classify("breaker", err).Retryable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker":    name,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("Gateway circuit breaker state changed")
		},
	})
}

// call runs fn under the rate limit, the breaker and the call timeout
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Retryable: true, Code: "rate_limited", Err: err}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		gwErr := classify(op, err)
		g.logger.WithError(err).WithFields(logrus.Fields{
			"op":        op,
			"retryable": gwErr.Retryable,
			"code":      gwErr.Code,
		}).Warn("Gateway call failed")
		return nil, gwErr
	}
	return result, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	result, err := g.call(ctx, "create_customer", func(ctx context.Context) (interface{}, error) {
		params := &stripe.CustomerParams{
			Email: stripe.String(req.Email),
			Name:  stripe.String(req.Name),
		}
		params.Context = ctx
		params.AddMetadata("tenant_id", req.TenantID)
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		return customer.New(params)
	})
	if err != nil {
		return "", err
	}
	return result.(*stripe.Customer).ID, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	result, err := g.call(ctx, "create_subscription", func(ctx context.Context) (interface{}, error) {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(req.CustomerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(req.PriceID)},
			},
		}
		if req.TrialDays > 0 {
			params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
		}
		params.Context = ctx
		params.AddMetadata("tenant_id", req.TenantID)
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		return subscription.New(params)
	})
	if err != nil {
		return nil, err
	}
	return fromStripeSubscription(result.(*stripe.Subscription)), nil
}

func (g *StripeGateway) ChangeSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorate bool, idempotencyKey string) (*Subscription, error) {
	current, err := g.call(ctx, "get_subscription", func(ctx context.Context) (interface{}, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return subscription.Get(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	sub := current.(*stripe.Subscription)
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, &Error{Op: "change_subscription_price", Code: "no_items", Err: fmt.Errorf("subscription %s has no items", subscriptionID)}
	}

	behavior := "none"
	if prorate {
		behavior = "create_prorations"
	}

	result, err := g.call(ctx, "change_subscription_price", func(ctx context.Context) (interface{}, error) {
		params := &stripe.SubscriptionParams{
			Items: []*stripe.SubscriptionItemsParams{
				{ID: stripe.String(sub.Items.Data[0].ID), Price: stripe.String(priceID)},
			},
			ProrationBehavior: stripe.String(behavior),
			CancelAtPeriodEnd: stripe.Bool(false),
		}
		params.Context = ctx
		if idempotencyKey != "" {
			params.SetIdempotencyKey(idempotencyKey)
		}
		return subscription.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return fromStripeSubscription(result.(*stripe.Subscription)), nil
}

func (g *StripeGateway) ScheduleCancel(ctx context.Context, subscriptionID, idempotencyKey string) (*Subscription, error) {
	return g.setCancelAtPeriodEnd(ctx, "schedule_cancel", subscriptionID, true, idempotencyKey)
}

func (g *StripeGateway) ResumeSubscription(ctx context.Context, subscriptionID, idempotencyKey string) (*Subscription, error) {
	return g.setCancelAtPeriodEnd(ctx, "resume_subscription", subscriptionID, false, idempotencyKey)
}

func (g *StripeGateway) setCancelAtPeriodEnd(ctx context.Context, op, subscriptionID string, cancel bool, idempotencyKey string) (*Subscription, error) {
	result, err := g.call(ctx, op, func(ctx context.Context) (interface{}, error) {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
		params.Context = ctx
		if idempotencyKey != "" {
			params.SetIdempotencyKey(idempotencyKey)
		}
		return subscription.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return fromStripeSubscription(result.(*stripe.Subscription)), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	result, err := g.call(ctx, "get_subscription", func(ctx context.Context) (interface{}, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return subscription.Get(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return fromStripeSubscription(result.(*stripe.Subscription)), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (*models.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(event, payload)
}

// classify sorts an error into retryable and terminal gateway failures
func classify(op string, err error) *Error {
	if gwErr, ok := IsGatewayError(err); ok {
		return gwErr
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		if code == "" {
			code = string(stripeErr.Type)
		}
		retryable := stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Type == stripe.ErrorTypeAPI
		return &Error{Op: op, Retryable: retryable, Code: code, Err: err}
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Op: op, Retryable: true, Code: "circuit_open", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Op: op, Retryable: true, Code: "timeout", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Op: op, Retryable: true, Code: "canceled", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Op: op, Retryable: true, Code: "network", Err: err}
	}

	// the outcome of an unrecognized failure is unknown, so a retry with the same key is the safe answer
	return &Error{Op: op, Retryable: true, Code: "unknown", Err: err}
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		TrialEnd:          unixPtr(sub.TrialEnd),
		CancelAt:          unixPtr(sub.CancelAt),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// invoicePayload covers both the legacy top-level subscription field and the
// parent.subscription_details form of newer API versions.
type invoicePayload struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountDue             int64  `json:"amount_due"`
	AmountPaid            int64  `json:"amount_paid"`
	Currency              string `json:"currency"`
	AttemptCount          int64  `json:"attempt_count"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

// expandableID accepts either an id string or an expanded object with an id
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// decodeEvent converts a Stripe event into the engine's event shape.
// Unknown event types decode with no object; the engine acknowledges them.
func decodeEvent(event stripe.Event, raw []byte) (*models.WebhookEvent, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", ErrUnparseable)
	}
	out := &models.WebhookEvent{
		ID:         event.ID,
		Type:       models.EventType(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Raw:        raw,
	}

	switch {
	case out.Type.IsSubscriptionEvent():
		if event.Data == nil || len(event.Data.Raw) == 0 {
			return nil, fmt.Errorf("%w: %s has no object", ErrUnparseable, event.ID)
		}
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: %s subscription id missing", ErrUnparseable, event.ID)
		}
		s := fromStripeSubscription(&sub)
		out.Subscription = &models.SubscriptionObject{
			ID:                s.ID,
			CustomerID:        s.CustomerID,
			Status:            s.Status,
			PriceID:           s.PriceID,
			TrialEnd:          s.TrialEnd,
			CancelAtPeriodEnd: s.CancelAtPeriodEnd,
			CancelAt:          s.CancelAt,
			CanceledAt:        unixPtr(sub.CanceledAt),
		}

	case out.Type.IsInvoiceEvent():
		if event.Data == nil || len(event.Data.Raw) == 0 {
			return nil, fmt.Errorf("%w: %s has no object", ErrUnparseable, event.ID)
		}
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		subID := expandableID(inv.Subscription)
		if subID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			subID = expandableID(inv.Parent.SubscriptionDetails.Subscription)
		}
		obj := &models.InvoiceObject{
			ID:             inv.ID,
			SubscriptionID: subID,
			CustomerID:     expandableID(inv.Customer),
			AmountDue:      inv.AmountDue,
			AmountPaid:     inv.AmountPaid,
			Currency:       inv.Currency,
			AttemptCount:   inv.AttemptCount,
		}
		if inv.LastFinalizationError != nil {
			obj.FailureReason = inv.LastFinalizationError.Message
		}
		out.Invoice = obj
	}

	return out, nil
}
