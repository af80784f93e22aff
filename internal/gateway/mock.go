package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"subscription-service/internal/models"
)

// MockGateway is an in-memory Gateway for development and tests.
// Errors set in Fail are returned by the named operation until cleared.
type MockGateway struct {
	mu            sync.Mutex
	subscriptions map[string]*Subscription
	calls         []string
	idempotency   map[string]*Subscription

	Fail map[string]error
	// CreateStatus overrides the status of newly created subscriptions
	CreateStatus string
	Now          func() time.Time
}

// NewMockGateway creates an empty mock gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{
		subscriptions: make(map[string]*Subscription),
		idempotency:   make(map[string]*Subscription),
		Fail:          make(map[string]error),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetFailure makes op fail with err; a nil err clears it
func (m *MockGateway) SetFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Fail, op)
		return
	}
	m.Fail[op] = err
}

// Calls returns the operations invoked so far
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Put seeds or replaces an upstream subscription
func (m *MockGateway) Put(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
}

func (m *MockGateway) record(op string) error {
	m.calls = append(m.calls, op)
	if err, ok := m.Fail[op]; ok {
		return err
	}
	return nil
}

func (m *MockGateway) CreateCustomer(_ context.Context, req CustomerRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create_customer"); err != nil {
		return "", err
	}
	return "cus_" + uuid.NewString()[:8], nil
}

func (m *MockGateway) CreateSubscription(_ context.Context, req SubscriptionRequest) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create_subscription"); err != nil {
		return nil, err
	}
	if prev, ok := m.idempotency[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	sub := &Subscription{
		ID:         "sub_" + uuid.NewString()[:8],
		CustomerID: req.CustomerID,
		PriceID:    req.PriceID,
		Status:     "active",
	}
	if req.TrialDays > 0 {
		end := m.Now().AddDate(0, 0, req.TrialDays)
		sub.TrialEnd = &end
		sub.Status = "trialing"
	}
	if m.CreateStatus != "" {
		sub.Status = m.CreateStatus
	}
	m.subscriptions[sub.ID] = sub
	if req.IdempotencyKey != "" {
		m.idempotency[req.IdempotencyKey] = sub
	}
	cp := *sub
	return &cp, nil
}

func (m *MockGateway) ChangeSubscriptionPrice(_ context.Context, subscriptionID, priceID string, _ bool, _ string) (*Subscription, error) {
	return m.mutate("change_subscription_price", subscriptionID, func(sub *Subscription) {
		sub.PriceID = priceID
		sub.CancelAtPeriodEnd = false
		sub.CancelAt = nil
	})
}

func (m *MockGateway) ScheduleCancel(_ context.Context, subscriptionID, _ string) (*Subscription, error) {
	return m.mutate("schedule_cancel", subscriptionID, func(sub *Subscription) {
		sub.CancelAtPeriodEnd = true
	})
}

func (m *MockGateway) ResumeSubscription(_ context.Context, subscriptionID, _ string) (*Subscription, error) {
	return m.mutate("resume_subscription", subscriptionID, func(sub *Subscription) {
		sub.CancelAtPeriodEnd = false
		sub.CancelAt = nil
	})
}

func (m *MockGateway) GetSubscription(_ context.Context, subscriptionID string) (*Subscription, error) {
	return m.mutate("get_subscription", subscriptionID, func(*Subscription) {})
}

func (m *MockGateway) mutate(op, subscriptionID string, fn func(sub *Subscription)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(op); err != nil {
		return nil, err
	}
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return nil, &Error{Op: op, Code: "resource_missing", Err: fmt.Errorf("no such subscription: %s", subscriptionID)}
	}
	fn(sub)
	cp := *sub
	return &cp, nil
}

// ParseWebhook decodes a Stripe-shaped event without verifying a signature
func (m *MockGateway) ParseWebhook(payload []byte, _ string) (*models.WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return decodeEvent(event, payload)
}
