package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"subscription-service/internal/models"
)

// ErrVersionConflict is returned when an optimistic update loses a race
var ErrVersionConflict = errors.New("record was modified concurrently")

// Store groups the repositories so a service can run them inside one transaction
type Store struct {
	db             *gorm.DB
	Tenants        *TenantRepository
	Plans          *PlanRepository
	Assignments    *AssignmentRepository
	PaymentMethods *PaymentMethodRepository
	PaymentEvents  *PaymentEventRepository
	Reminders      *ReminderRepository
	JobRuns        *JobRunRepository
}

// NewStore creates a store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:             db,
		Tenants:        NewTenantRepository(db),
		Plans:          NewPlanRepository(db),
		Assignments:    NewAssignmentRepository(db),
		PaymentMethods: NewPaymentMethodRepository(db),
		PaymentEvents:  NewPaymentEventRepository(db),
		Reminders:      NewReminderRepository(db),
		JobRuns:        NewJobRunRepository(db),
	}
}

// InTx runs fn with a store bound to a single transaction. Returning an error rolls it back.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// Migrate creates or updates every table the service owns
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Tenant{},
		&models.Plan{},
		&models.Feature{},
		&models.PlanFeature{},
		&models.PlanAssignment{},
		&models.PaymentMethod{},
		&models.PaymentEvent{},
		&models.ReminderMarker{},
		&models.JobRun{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
