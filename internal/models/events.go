package models

import "time"

// EventType is the closed set of gateway event types the reconciliation engine handles
type EventType string

const (
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventPaymentSucceeded    EventType = "invoice.payment_succeeded"
	EventInvoicePaid         EventType = "invoice.paid"
	EventPaymentFailed       EventType = "invoice.payment_failed"
)

// IsSubscriptionEvent reports whether the event carries a subscription object
func (t EventType) IsSubscriptionEvent() bool {
	return t == EventSubscriptionCreated || t == EventSubscriptionUpdated || t == EventSubscriptionDeleted
}

// IsStatusSnapshot reports whether the event carries the full upstream status rather than a one-off fact
func (t EventType) IsStatusSnapshot() bool {
	return t == EventSubscriptionCreated || t == EventSubscriptionUpdated
}

// IsInvoiceEvent reports whether the event carries an invoice object
func (t EventType) IsInvoiceEvent() bool {
	return t == EventPaymentSucceeded || t == EventInvoicePaid || t == EventPaymentFailed
}

// WebhookEvent is a parsed, signature-verified gateway event
type WebhookEvent struct {
	ID           string
	Type         EventType
	OccurredAt   time.Time
	Subscription *SubscriptionObject
	Invoice      *InvoiceObject
	Raw          []byte
}

// SubscriptionObject is the subscription snapshot carried by an event
type SubscriptionObject struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CancelAt          *time.Time
	CanceledAt        *time.Time
}

// InvoiceObject is the invoice snapshot carried by an event
type InvoiceObject struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	AmountDue      int64
	AmountPaid     int64
	Currency       string
	AttemptCount   int64
	FailureReason  string
}

// SubscriptionID returns the external subscription the event refers to
func (e *WebhookEvent) SubscriptionID() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.ID
	case e.Invoice != nil:
		return e.Invoice.SubscriptionID
	}
	return ""
}

// AlertLevel is the severity of a health alert
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// AlertEvent is the payload handed to the notification dispatcher for alerts
type AlertEvent struct {
	Key       string                 `json:"key"`
	Subject   string                 `json:"subject"`
	Message   string                 `json:"message"`
	Level     AlertLevel             `json:"level"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// LifecycleEventType names a tenant-facing lifecycle notification
type LifecycleEventType string

const (
	LifecycleSubscriptionCreated     LifecycleEventType = "subscription_created"
	LifecycleSubscriptionUpdated     LifecycleEventType = "subscription_updated"
	LifecycleSubscriptionCancelled   LifecycleEventType = "subscription_cancelled"
	LifecycleSubscriptionReactivated LifecycleEventType = "subscription_reactivated"
	LifecyclePlanChanged             LifecycleEventType = "plan_changed"
	LifecyclePaymentSucceeded        LifecycleEventType = "payment_succeeded"
	LifecyclePaymentFailed           LifecycleEventType = "payment_failed"
	LifecycleTrialEnding             LifecycleEventType = "trial_ending"
	LifecycleSubscriptionEnding      LifecycleEventType = "subscription_ending"
	LifecycleSubscriptionEnded       LifecycleEventType = "subscription_ended"
)

// LifecycleEvent is the payload handed to the notification dispatcher for tenants
type LifecycleEvent struct {
	Event     LifecycleEventType     `json:"event"`
	TenantID  string                 `json:"tenant_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
