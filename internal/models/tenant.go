package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TenantStatus is the organization-level status, independent of billing
type TenantStatus string

const (
	TenantStatusActive     TenantStatus = "active"
	TenantStatusSuspended  TenantStatus = "suspended"
	TenantStatusInactive   TenantStatus = "inactive"
	TenantStatusTerminated TenantStatus = "terminated"
)

// Tenant is an organization that holds plan assignments over its lifetime.
// The current assignment is always a query against plan_assignments, never a column here.
type Tenant struct {
	ID                uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	Code              string       `json:"code" gorm:"type:varchar(100);uniqueIndex;not null"`
	Name              string       `json:"name" gorm:"type:varchar(255);not null"`
	Email             string       `json:"email" gorm:"type:varchar(255)"`
	Status            TenantStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	BillingAccountRef *string      `json:"billing_account_ref,omitempty" gorm:"type:varchar(255);index"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TenantStatusActive
	}
	return nil
}
