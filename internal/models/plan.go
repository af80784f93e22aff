package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BillingCycle is the charge interval of a plan or assignment
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a supported cycle
func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// Plan is a purchasable tier. Price is in minor currency units per Interval.
type Plan struct {
	ID              uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	Code            string        `json:"code" gorm:"type:varchar(100);uniqueIndex;not null"`
	Name            string        `json:"name" gorm:"type:varchar(255);not null"`
	Price           int64         `json:"price" gorm:"not null"`
	Currency        string        `json:"currency" gorm:"type:varchar(3);not null"`
	Interval        BillingCycle  `json:"interval" gorm:"type:varchar(10);not null"`
	TrialDays       int           `json:"trial_days" gorm:"not null"`
	IsActive        bool          `json:"is_active" gorm:"not null;index"`
	ExternalPriceID *string       `json:"external_price_id,omitempty" gorm:"type:varchar(255)"`
	SortOrder       int           `json:"sort_order"`
	Features        []PlanFeature `json:"features,omitempty" gorm:"foreignKey:PlanID"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (p *Plan) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}
	if p.Interval == "" {
		p.Interval = BillingCycleMonthly
	}
	return nil
}

// CyclePrice returns the price charged per period of the given cycle.
// Converting yearly to monthly rounds half away from zero.
func (p *Plan) CyclePrice(cycle BillingCycle) int64 {
	if cycle == p.Interval || !cycle.Valid() {
		return p.Price
	}
	if cycle == BillingCycleYearly {
		return p.Price * 12
	}
	return (p.Price + 6) / 12
}

// MonthlyAmount normalizes the plan price to a month for MRR
func (p *Plan) MonthlyAmount() int64 {
	return p.CyclePrice(BillingCycleMonthly)
}

// HasTrial reports whether new subscribers start trialing
func (p *Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// FeatureType is the value type of an entitlement
type FeatureType string

const (
	FeatureTypeBoolean FeatureType = "boolean"
	FeatureTypeInteger FeatureType = "integer"
	FeatureTypeFloat   FeatureType = "float"
	FeatureTypeString  FeatureType = "string"
	FeatureTypeJSON    FeatureType = "json"
)

// Feature is a catalog entitlement with a default value
type Feature struct {
	ID           uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	Code         string       `json:"code" gorm:"type:varchar(100);uniqueIndex;not null"`
	Name         string       `json:"name" gorm:"type:varchar(255);not null"`
	Type         FeatureType  `json:"type" gorm:"type:varchar(20);not null"`
	DefaultValue FeatureValue `json:"default_value"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (f *Feature) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// PlanFeature overrides a feature value for one plan
type PlanFeature struct {
	ID        uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	PlanID    uuid.UUID    `json:"plan_id" gorm:"type:uuid;not null;uniqueIndex:idx_plan_feature"`
	FeatureID uuid.UUID    `json:"feature_id" gorm:"type:uuid;not null;uniqueIndex:idx_plan_feature"`
	Value     FeatureValue `json:"value"`
	Feature   Feature      `json:"feature" gorm:"foreignKey:FeatureID"`
}

func (pf *PlanFeature) BeforeCreate(tx *gorm.DB) error {
	if pf.ID == uuid.Nil {
		pf.ID = uuid.New()
	}
	return nil
}
