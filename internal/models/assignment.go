package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssignmentStatus is the local lifecycle status. It is the source of truth for
// business decisions; the raw gateway status lives in ExternalStatus.
type AssignmentStatus string

const (
	StatusPending  AssignmentStatus = "pending"
	StatusTrialing AssignmentStatus = "trialing"
	StatusActive   AssignmentStatus = "active"
	StatusPastDue  AssignmentStatus = "past_due"
	StatusCanceled AssignmentStatus = "canceled"
	StatusExpired  AssignmentStatus = "expired"
)

// CurrentStatuses are the statuses of which a tenant may hold at most one assignment
var CurrentStatuses = []AssignmentStatus{StatusTrialing, StatusActive, StatusPastDue}

// IsCurrent reports whether s counts toward the single-current-assignment rule
func (s AssignmentStatus) IsCurrent() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// Cancellation reasons written by the service itself
const (
	ReasonChangedPlan    = "changed_plan"
	ReasonGatewayDeleted = "gateway_deleted"
	ReasonGatewayCancel  = "gateway_canceled"
	ReasonUserCancelled  = "user_cancelled"
)

// PlanAssignment is one contiguous subscription term of a tenant on a plan.
// The plan of an assignment never changes; a plan change ends it and starts a new one.
type PlanAssignment struct {
	ID                     uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID               uuid.UUID        `json:"tenant_id" gorm:"type:uuid;not null;index:idx_assignment_tenant_status"`
	PlanID                 uuid.UUID        `json:"plan_id" gorm:"type:uuid;not null;index"`
	Status                 AssignmentStatus `json:"status" gorm:"type:varchar(20);not null;index:idx_assignment_tenant_status"`
	BillingCycle           BillingCycle     `json:"billing_cycle" gorm:"type:varchar(10);not null"`
	StartsAt               time.Time        `json:"starts_at" gorm:"not null;index"`
	EndsAt                 *time.Time       `json:"ends_at,omitempty" gorm:"index"`
	TrialEndsAt            *time.Time       `json:"trial_ends_at,omitempty" gorm:"index"`
	CancellationReason     *string          `json:"cancellation_reason,omitempty" gorm:"type:varchar(100)"`
	ExternalSubscriptionID *string          `json:"external_subscription_id,omitempty" gorm:"type:varchar(255);uniqueIndex"`
	ExternalPriceID        *string          `json:"external_price_id,omitempty" gorm:"type:varchar(255)"`
	ExternalStatus         string           `json:"external_status,omitempty" gorm:"type:varchar(50)"`
	ProratedCredit         int64            `json:"prorated_credit"`
	LastReconciledAt       *time.Time       `json:"last_reconciled_at,omitempty"`
	DriftDetectedAt        *time.Time       `json:"drift_detected_at,omitempty" gorm:"index"`
	DriftNote              string           `json:"drift_note,omitempty" gorm:"type:text"`
	Version                int64            `json:"version" gorm:"not null"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`

	Plan *Plan `json:"plan,omitempty" gorm:"foreignKey:PlanID"`
}

func (a *PlanAssignment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	if a.BillingCycle == "" {
		a.BillingCycle = BillingCycleMonthly
	}
	return nil
}

// OnTrial reports whether the trial window is open at now
func (a *PlanAssignment) OnTrial(now time.Time) bool {
	return a.TrialEndsAt != nil && now.Before(*a.TrialEndsAt)
}

// IsCurrent reports whether the assignment is the tenant's live term
func (a *PlanAssignment) IsCurrent() bool {
	return a.Status.IsCurrent()
}

// InGracePeriod reports whether a canceled assignment can still be reactivated
func (a *PlanAssignment) InGracePeriod(now time.Time) bool {
	return a.Status == StatusCanceled && a.EndsAt != nil && now.Before(*a.EndsAt)
}

// TrialDaysRemaining rounds partial days up; zero once the trial is over
func (a *PlanAssignment) TrialDaysRemaining(now time.Time) int {
	if !a.OnTrial(now) {
		return 0
	}
	return int(math.Ceil(a.TrialEndsAt.Sub(now).Hours() / 24))
}

// DaysUntilEnd returns -1 for open-ended assignments
func (a *PlanAssignment) DaysUntilEnd(now time.Time) int {
	if a.EndsAt == nil {
		return -1
	}
	if !now.Before(*a.EndsAt) {
		return 0
	}
	return int(math.Ceil(a.EndsAt.Sub(now).Hours() / 24))
}

// ExternalID returns the gateway subscription id or ""
func (a *PlanAssignment) ExternalID() string {
	if a.ExternalSubscriptionID == nil {
		return ""
	}
	return *a.ExternalSubscriptionID
}
