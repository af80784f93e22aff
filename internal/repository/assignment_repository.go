package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"subscription-service/internal/models"
)

// AssignmentRepository owns plan assignment records. It is the only writer of the table.
type AssignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

var currentStatuses = []models.AssignmentStatus{models.StatusTrialing, models.StatusActive, models.StatusPastDue}

// Create inserts a new assignment
func (r *AssignmentRepository) Create(ctx context.Context, a *models.PlanAssignment) error {
	if err := r.db.WithContext(ctx).Omit("Plan").Create(a).Error; err != nil {
		return fmt.Errorf("failed to create plan assignment: %w", err)
	}
	return nil
}

// Update writes every mutable column of a, guarded by its version. On success
// a.Version is advanced; a stale version returns ErrVersionConflict.
func (r *AssignmentRepository) Update(ctx context.Context, a *models.PlanAssignment, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(map[string]interface{}{
			"status":                   a.Status,
			"ends_at":                  a.EndsAt,
			"trial_ends_at":            a.TrialEndsAt,
			"cancellation_reason":      a.CancellationReason,
			"external_subscription_id": a.ExternalSubscriptionID,
			"external_price_id":        a.ExternalPriceID,
			"external_status":          a.ExternalStatus,
			"prorated_credit":          a.ProratedCredit,
			"last_reconciled_at":       a.LastReconciledAt,
			"drift_detected_at":        a.DriftDetectedAt,
			"drift_note":               a.DriftNote,
			"version":                  a.Version + 1,
			"updated_at":               now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update plan assignment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("assignment %s at version %d: %w", a.ID, a.Version, ErrVersionConflict)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

// GetByID returns nil when the assignment does not exist
func (r *AssignmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PlanAssignment, error) {
	return r.first(ctx, r.db.WithContext(ctx).Where("id = ?", id))
}

// GetCurrent returns the tenant's trialing, active or past-due assignment
func (r *AssignmentRepository) GetCurrent(ctx context.Context, tenantID uuid.UUID) (*models.PlanAssignment, error) {
	return r.first(ctx, r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, currentStatuses).
		Order("starts_at DESC, created_at DESC"))
}

// GetLatest returns the tenant's most recently started assignment of any status
func (r *AssignmentRepository) GetLatest(ctx context.Context, tenantID uuid.UUID) (*models.PlanAssignment, error) {
	return r.first(ctx, r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("starts_at DESC, created_at DESC"))
}

// GetPending returns a tenant's assignment still waiting on the gateway
func (r *AssignmentRepository) GetPending(ctx context.Context, tenantID uuid.UUID) (*models.PlanAssignment, error) {
	return r.first(ctx, r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, models.StatusPending))
}

// GetByExternalSubscriptionID finds the assignment tracking a gateway subscription
func (r *AssignmentRepository) GetByExternalSubscriptionID(ctx context.Context, externalID string) (*models.PlanAssignment, error) {
	return r.first(ctx, r.db.WithContext(ctx).Where("external_subscription_id = ?", externalID))
}

func (r *AssignmentRepository) first(ctx context.Context, q *gorm.DB) (*models.PlanAssignment, error) {
	var a models.PlanAssignment
	if err := q.Preload("Plan").First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get plan assignment: %w", err)
	}
	return &a, nil
}

// ListByTenant returns the tenant's full history, newest first
func (r *AssignmentRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).Preload("Plan").
		Where("tenant_id = ?", tenantID).
		Order("starts_at DESC, created_at DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list plan assignments: %w", err)
	}
	return list, nil
}

// CountCurrent counts current assignments of a tenant, ignoring excludeID
func (r *AssignmentRepository) CountCurrent(ctx context.Context, tenantID, excludeID uuid.UUID) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("tenant_id = ? AND status IN ?", tenantID, currentStatuses)
	if excludeID != uuid.Nil {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count current assignments: %w", err)
	}
	return count, nil
}

// ListCanceledEndedBy returns canceled assignments whose grace period ended at or before now
func (r *AssignmentRepository) ListCanceledEndedBy(ctx context.Context, now time.Time, limit int) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).
		Where("status = ? AND ends_at IS NOT NULL AND ends_at <= ?", models.StatusCanceled, now).
		Order("ends_at ASC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list ended assignments: %w", err)
	}
	return list, nil
}

// ListTrialsEndingBetween returns trialing assignments with trial_ends_at in (from, to]
func (r *AssignmentRepository) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).Preload("Plan").
		Where("status = ? AND trial_ends_at > ? AND trial_ends_at <= ?", models.StatusTrialing, from, to).
		Order("trial_ends_at ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list ending trials: %w", err)
	}
	return list, nil
}

// ListCanceledEndingBetween returns canceled assignments with ends_at in (from, to]
func (r *AssignmentRepository) ListCanceledEndingBetween(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).Preload("Plan").
		Where("status = ? AND ends_at > ? AND ends_at <= ?", models.StatusCanceled, from, to).
		Order("ends_at ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list ending assignments: %w", err)
	}
	return list, nil
}

// ListReconcilable returns assignments linked to a gateway subscription that may still change upstream
func (r *AssignmentRepository) ListReconcilable(ctx context.Context, now time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	live := []models.AssignmentStatus{models.StatusPending, models.StatusTrialing, models.StatusActive, models.StatusPastDue}
	if err := r.db.WithContext(ctx).
		Where("external_subscription_id IS NOT NULL").
		Where(r.db.Where("status IN ?", live).
			Or("status = ? AND ends_at > ?", models.StatusCanceled, now)).
		Order("tenant_id ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list reconcilable assignments: %w", err)
	}
	return list, nil
}

// CountByStatus counts assignments in a status
func (r *AssignmentRepository) CountByStatus(ctx context.Context, status models.AssignmentStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return count, nil
}

// CountTrialing counts trialing assignments whose trial window is still open at now
func (r *AssignmentRepository) CountTrialing(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("status = ? AND trial_ends_at > ?", models.StatusTrialing, now).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count trials: %w", err)
	}
	return count, nil
}

// ListRevenueActive returns active assignments outside their trial window, with plans
func (r *AssignmentRepository) ListRevenueActive(ctx context.Context, now time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).Preload("Plan").
		Where("status = ?", models.StatusActive).
		Where("trial_ends_at IS NULL OR trial_ends_at <= ?", now).
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list active assignments: %w", err)
	}
	return list, nil
}

// ListOverlapping returns non-pending assignments whose [starts_at, ends_at) intersects [from, to)
func (r *AssignmentRepository) ListOverlapping(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).Preload("Plan").
		Where("status <> ?", models.StatusPending).
		Where("starts_at < ?", to).
		Where("ends_at IS NULL OR ends_at > ?", from).
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list overlapping assignments: %w", err)
	}
	return list, nil
}

// CountChurned counts assignments that ended in (from, to] for reasons other than a plan change
func (r *AssignmentRepository) CountChurned(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("status IN ?", []models.AssignmentStatus{models.StatusCanceled, models.StatusExpired}).
		Where("ends_at > ? AND ends_at <= ?", from, to).
		Where("cancellation_reason IS NULL OR cancellation_reason <> ?", models.ReasonChangedPlan).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count churned assignments: %w", err)
	}
	return count, nil
}

// CountPayingAt counts assignments that were paying at the instant at: started, not yet
// ended, not pending and outside any trial window.
func (r *AssignmentRepository) CountPayingAt(ctx context.Context, at time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("status <> ?", models.StatusPending).
		Where("starts_at <= ?", at).
		Where("ends_at IS NULL OR ends_at > ?", at).
		Where("trial_ends_at IS NULL OR trial_ends_at <= ?", at).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count paying assignments: %w", err)
	}
	return count, nil
}

// CountTrialsEnded counts assignments whose trial window closed in (from, to]
func (r *AssignmentRepository) CountTrialsEnded(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	if err := r.trialsEnded(ctx, from, to).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count ended trials: %w", err)
	}
	return count, nil
}

// CountTrialsConverted counts trials closed in (from, to] that went on to pay: still
// active or past due, or canceled with an end after the trial end.
func (r *AssignmentRepository) CountTrialsConverted(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := r.trialsEnded(ctx, from, to).
		Where(r.db.Where("status IN ?", []models.AssignmentStatus{models.StatusActive, models.StatusPastDue}).
			Or("status IN ? AND (ends_at IS NULL OR ends_at > trial_ends_at)",
				[]models.AssignmentStatus{models.StatusCanceled, models.StatusExpired})).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count converted trials: %w", err)
	}
	return count, nil
}

func (r *AssignmentRepository) trialsEnded(ctx context.Context, from, to time.Time) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.PlanAssignment{}).
		Where("trial_ends_at IS NOT NULL AND trial_ends_at > ? AND trial_ends_at <= ?", from, to).
		Where("status <> ?", models.StatusPending)
}

// PlanCount is the number of current assignments on one plan
type PlanCount struct {
	PlanID        uuid.UUID `json:"plan_id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Subscriptions int64     `json:"subscriptions"`
}

// CountCurrentByPlan counts trialing, active and past due assignments per plan. Plans
// without any appear with zero. Busiest plans come first.
func (r *AssignmentRepository) CountCurrentByPlan(ctx context.Context) ([]PlanCount, error) {
	var rows []PlanCount
	err := r.db.WithContext(ctx).Table("plans").
		Select("plans.id AS plan_id, plans.code AS code, plans.name AS name, COUNT(plan_assignments.id) AS subscriptions").
		Joins("LEFT JOIN plan_assignments ON plan_assignments.plan_id = plans.id AND plan_assignments.status IN ?", currentStatuses).
		Group("plans.id, plans.code, plans.name").
		Order("subscriptions DESC, plans.code ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments by plan: %w", err)
	}
	return rows, nil
}

// ListEndedBetween returns canceled or expired assignments that ended in (from, to], oldest first
func (r *AssignmentRepository) ListEndedBetween(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []models.AssignmentStatus{models.StatusCanceled, models.StatusExpired}).
		Where("ends_at > ? AND ends_at <= ?", from, to).
		Order("ends_at ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list ended assignments: %w", err)
	}
	return list, nil
}

// ListStartedBetween returns non-pending assignments that started in (from, to], oldest first
func (r *AssignmentRepository) ListStartedBetween(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	var list []models.PlanAssignment
	if err := r.db.WithContext(ctx).
		Where("status <> ?", models.StatusPending).
		Where("starts_at > ? AND starts_at <= ?", from, to).
		Order("starts_at ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list started assignments: %w", err)
	}
	return list, nil
}
