package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subscription-service/internal/models"
)

// ReminderRepository tracks which reminders were already sent
type ReminderRepository struct {
	db *gorm.DB
}

// NewReminderRepository creates a new reminder repository
func NewReminderRepository(db *gorm.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// TryMark inserts the marker for (assignment, kind). It returns false if the marker
// already existed, meaning the reminder must not be sent again.
func (r *ReminderRepository) TryMark(ctx context.Context, assignmentID uuid.UUID, kind models.ReminderKind, at time.Time) (bool, error) {
	marker := &models.ReminderMarker{AssignmentID: assignmentID, Kind: kind, SentAt: at}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "assignment_id"}, {Name: "kind"}},
		DoNothing: true,
	}).Create(marker)
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark reminder: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Unmark removes a marker so a reminder whose delivery failed can be retried
func (r *ReminderRepository) Unmark(ctx context.Context, assignmentID uuid.UUID, kind models.ReminderKind) error {
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND kind = ?", assignmentID, kind).
		Delete(&models.ReminderMarker{}).Error; err != nil {
		return fmt.Errorf("failed to unmark reminder: %w", err)
	}
	return nil
}

// Exists reports whether the reminder was sent
func (r *ReminderRepository) Exists(ctx context.Context, assignmentID uuid.UUID, kind models.ReminderKind) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ReminderMarker{}).
		Where("assignment_id = ? AND kind = ?", assignmentID, kind).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check reminder: %w", err)
	}
	return count > 0, nil
}

// JobRunRepository stores periodic job bookkeeping
type JobRunRepository struct {
	db *gorm.DB
}

// NewJobRunRepository creates a new job run repository
func NewJobRunRepository(db *gorm.DB) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// Get returns nil for a job that never ran
func (r *JobRunRepository) Get(ctx context.Context, name string) (*models.JobRun, error) {
	var run models.JobRun
	if err := r.db.WithContext(ctx).First(&run, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return &run, nil
}

// List returns every job's bookkeeping row
func (r *JobRunRepository) List(ctx context.Context) ([]models.JobRun, error) {
	var runs []models.JobRun
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	return runs, nil
}

// RecordSuccess stamps a successful run
func (r *JobRunRepository) RecordSuccess(ctx context.Context, name string, at time.Time) error {
	run := &models.JobRun{Name: name, LastSuccessAt: &at, LastAttemptAt: &at, RunCount: 1, UpdatedAt: at}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_success_at": at,
			"last_attempt_at": at,
			"last_error":      "",
			"run_count":       gorm.Expr("job_runs.run_count + 1"),
			"updated_at":      at,
		}),
	}).Create(run).Error
	if err != nil {
		return fmt.Errorf("failed to record job success: %w", err)
	}
	return nil
}

// RecordFailure stamps a failed run without moving the last success
func (r *JobRunRepository) RecordFailure(ctx context.Context, name string, at time.Time, runErr error) error {
	run := &models.JobRun{Name: name, LastAttemptAt: &at, LastError: runErr.Error(), UpdatedAt: at}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_attempt_at": at,
			"last_error":      runErr.Error(),
			"updated_at":      at,
		}),
	}).Create(run).Error
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	return nil
}
