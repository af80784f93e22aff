package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subscription-service/internal/models"
)

// PlanRepository handles plans and their feature entitlements
type PlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create creates a new plan
func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) error {
	if err := r.db.WithContext(ctx).Create(plan).Error; err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetByID returns nil when the plan does not exist
func (r *PlanRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).First(&plan, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// GetByExternalPriceID resolves a gateway price back to a plan
func (r *PlanRepository) GetByExternalPriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).First(&plan, "external_price_id = ?", priceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get plan by price: %w", err)
	}
	return &plan, nil
}

// ListActive returns purchasable plans in display order
func (r *PlanRepository) ListActive(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("sort_order ASC, price ASC").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// CreateFeature adds a feature to the catalog
func (r *PlanRepository) CreateFeature(ctx context.Context, feature *models.Feature) error {
	if err := r.db.WithContext(ctx).Create(feature).Error; err != nil {
		return fmt.Errorf("failed to create feature: %w", err)
	}
	return nil
}

// ListFeatures returns the full catalog
func (r *PlanRepository) ListFeatures(ctx context.Context) ([]models.Feature, error) {
	var features []models.Feature
	if err := r.db.WithContext(ctx).Order("code ASC").Find(&features).Error; err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	return features, nil
}

// SetPlanFeature upserts a plan's override of a feature value
func (r *PlanRepository) SetPlanFeature(ctx context.Context, pf *models.PlanFeature) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plan_id"}, {Name: "feature_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Omit("Feature").Create(pf).Error
	if err != nil {
		return fmt.Errorf("failed to set plan feature: %w", err)
	}
	return nil
}

// ListPlanFeatures returns a plan's overrides with their catalog entries
func (r *PlanRepository) ListPlanFeatures(ctx context.Context, planID uuid.UUID) ([]models.PlanFeature, error) {
	var overrides []models.PlanFeature
	if err := r.db.WithContext(ctx).Preload("Feature").Where("plan_id = ?", planID).Find(&overrides).Error; err != nil {
		return nil, fmt.Errorf("failed to list plan features: %w", err)
	}
	return overrides, nil
}
