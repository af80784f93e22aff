package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReminderKind names a reminder that is sent at most once per assignment
type ReminderKind string

const (
	ReminderTrialEnding        ReminderKind = "trial_ending"
	ReminderSubscriptionEnding ReminderKind = "subscription_ending"
)

// ReminderMarker records that a reminder was sent
type ReminderMarker struct {
	ID           uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	AssignmentID uuid.UUID    `json:"assignment_id" gorm:"type:uuid;not null;uniqueIndex:idx_reminder_once"`
	Kind         ReminderKind `json:"kind" gorm:"type:varchar(50);not null;uniqueIndex:idx_reminder_once"`
	SentAt       time.Time    `json:"sent_at" gorm:"not null"`
}

func (r *ReminderMarker) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// JobRun is the bookkeeping row of a periodic job
type JobRun struct {
	Name          string     `json:"name" gorm:"type:varchar(100);primaryKey"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty" gorm:"type:text"`
	RunCount      int64      `json:"run_count"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
