package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subscription-service/internal/models"
)

// PaymentMethodRepository handles cards on file
type PaymentMethodRepository struct {
	db *gorm.DB
}

// NewPaymentMethodRepository creates a new payment method repository
func NewPaymentMethodRepository(db *gorm.DB) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

// Upsert stores a card keyed by its gateway id
func (r *PaymentMethodRepository) Upsert(ctx context.Context, pm *models.PaymentMethod) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"brand", "last4", "card_expires_at", "is_default", "updated_at"}),
	}).Create(pm).Error
	if err != nil {
		return fmt.Errorf("failed to upsert payment method: %w", err)
	}
	return nil
}

// CountExpiringBetween counts cards whose expiry falls in [from, to]
func (r *PaymentMethodRepository) CountExpiringBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PaymentMethod{}).
		Where("card_expires_at >= ? AND card_expires_at <= ?", from, to).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count expiring cards: %w", err)
	}
	return count, nil
}

// PaymentEventRepository records invoice outcomes
type PaymentEventRepository struct {
	db *gorm.DB
}

// NewPaymentEventRepository creates a new payment event repository
func NewPaymentEventRepository(db *gorm.DB) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

// Record inserts an outcome once per gateway event id. It reports whether a row was written.
func (r *PaymentEventRepository) Record(ctx context.Context, ev *models.PaymentEvent) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_event_id"}},
		DoNothing: true,
	}).Create(ev)
	if result.Error != nil {
		return false, fmt.Errorf("failed to record payment event: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CountFailedBetween counts failed payments that occurred in (from, to]
func (r *PaymentEventRepository) CountFailedBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PaymentEvent{}).
		Where("kind = ? AND occurred_at > ? AND occurred_at <= ?", models.PaymentFailed, from, to).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count payment failures: %w", err)
	}
	return count, nil
}
