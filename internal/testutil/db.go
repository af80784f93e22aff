// Package testutil builds isolated databases and fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

// NewTestDB opens a private in-memory SQLite database with the service schema.
// A single connection keeps the shared-cache database alive and serializes access.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// CreateTenant inserts an active tenant
func CreateTenant(t *testing.T, db *gorm.DB, code string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Code: code, Name: code, Email: code + "@example.com", Status: models.TenantStatusActive}
	if err := repository.NewTenantRepository(db).Create(context.Background(), tenant); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	return tenant
}

// CreatePlan inserts an active monthly plan with the given price and trial length
func CreatePlan(t *testing.T, db *gorm.DB, code string, price int64, trialDays int) *models.Plan {
	t.Helper()
	priceID := "price_" + code
	plan := &models.Plan{
		Code:            code,
		Name:            code,
		Price:           price,
		Currency:        "usd",
		Interval:        models.BillingCycleMonthly,
		TrialDays:       trialDays,
		IsActive:        true,
		ExternalPriceID: &priceID,
	}
	if err := repository.NewPlanRepository(db).Create(context.Background(), plan); err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}
	return plan
}

// CreateAssignment inserts an assignment as given, filling the tenant and plan ids
func CreateAssignment(t *testing.T, db *gorm.DB, tenant *models.Tenant, plan *models.Plan, a *models.PlanAssignment) *models.PlanAssignment {
	t.Helper()
	a.TenantID = tenant.ID
	a.PlanID = plan.ID
	if err := repository.NewAssignmentRepository(db).Create(context.Background(), a); err != nil {
		t.Fatalf("failed to create assignment: %v", err)
	}
	return a
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}
