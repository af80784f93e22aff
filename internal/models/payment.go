package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentMethod is a card on file. Only expiry metadata is kept.
type PaymentMethod struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID  `json:"tenant_id" gorm:"type:uuid;not null;index"`
	ExternalID    string     `json:"external_id" gorm:"type:varchar(255);uniqueIndex;not null"`
	Brand         string     `json:"brand" gorm:"type:varchar(50)"`
	Last4         string     `json:"last4" gorm:"type:varchar(4)"`
	CardExpiresAt *time.Time `json:"card_expires_at,omitempty" gorm:"index"`
	IsDefault     bool       `json:"is_default"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (p *PaymentMethod) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PaymentEventKind distinguishes invoice outcomes
type PaymentEventKind string

const (
	PaymentSucceeded PaymentEventKind = "succeeded"
	PaymentFailed    PaymentEventKind = "failed"
)

// PaymentEvent records one invoice outcome reported by the gateway.
// Failed rows are the failure counter read by the metrics engine.
type PaymentEvent struct {
	ID                uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID          uuid.UUID        `json:"tenant_id" gorm:"type:uuid;not null;index"`
	AssignmentID      uuid.UUID        `json:"assignment_id" gorm:"type:uuid;not null;index"`
	ExternalEventID   string           `json:"external_event_id" gorm:"type:varchar(255);uniqueIndex;not null"`
	ExternalInvoiceID string           `json:"external_invoice_id" gorm:"type:varchar(255);index"`
	Kind              PaymentEventKind `json:"kind" gorm:"type:varchar(20);not null;index"`
	Amount            int64            `json:"amount"`
	Currency          string           `json:"currency" gorm:"type:varchar(3)"`
	Reason            string           `json:"reason,omitempty" gorm:"type:text"`
	Payload           datatypes.JSON   `json:"payload,omitempty"`
	OccurredAt        time.Time        `json:"occurred_at" gorm:"not null;index"`
	CreatedAt         time.Time        `json:"created_at"`
}

func (p *PaymentEvent) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
