// Package gateway is the boundary to the external payment processor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/models"
)

// Gateway is the contract the reconciliation engine needs from the payment processor.
// Every mutating call takes an idempotency key so a retried call is safe.
type Gateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	ChangeSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorate bool, idempotencyKey string) (*Subscription, error)
	ScheduleCancel(ctx context.Context, subscriptionID, idempotencyKey string) (*Subscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID, idempotencyKey string) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// WebhookParser verifies and decodes inbound webhook payloads
type WebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (*models.WebhookEvent, error)
}

// CustomerRequest describes a customer to create upstream
type CustomerRequest struct {
	TenantID       string
	Email          string
	Name           string
	IdempotencyKey string
}

// SubscriptionRequest describes a subscription to create upstream
type SubscriptionRequest struct {
	CustomerID     string
	PriceID        string
	TrialDays      int
	TenantID       string
	IdempotencyKey string
}

// Subscription is the gateway's view of a subscription
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CancelAt          *time.Time
}

var (
	// ErrInvalidSignature means the payload was not signed by the gateway
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	// ErrUnparseable means the payload was authentic but its object could not be decoded
	ErrUnparseable = errors.New("webhook payload could not be parsed")
)

// Error is a failed gateway call. Retryable errors (timeouts, network failures,
// rate limiting, 5xx, open circuit) are safe to retry with the same idempotency key;
// the others are definitive rejections.
type Error struct {
	Op        string
	Retryable bool
	Code      string
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("gateway %s failed (%s, %s): %v", e.Op, kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsGatewayError checks if an error is a gateway Error
func IsGatewayError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable gateway failure
func IsRetryable(err error) bool {
	gwErr, ok := IsGatewayError(err)
	return ok && gwErr.Retryable
}
