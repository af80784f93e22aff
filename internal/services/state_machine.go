package services

import (
	"time"

	"subscription-service/internal/models"
)

// transitions is the complete set of legal local status changes.
// active -> expired is deliberately absent: an active term is canceled first.
var transitions = map[models.AssignmentStatus]map[models.AssignmentStatus]bool{
	models.StatusPending: {
		models.StatusTrialing: true,
		models.StatusActive:   true,
		models.StatusExpired:  true, // the gateway abandoned an incomplete subscription
	},
	models.StatusTrialing: {
		models.StatusActive:   true,
		models.StatusPastDue:  true,
		models.StatusCanceled: true,
	},
	models.StatusActive: {
		models.StatusPastDue:  true,
		models.StatusCanceled: true,
	},
	models.StatusPastDue: {
		models.StatusActive:   true,
		models.StatusCanceled: true,
	},
	models.StatusCanceled: {
		models.StatusActive:   true,
		models.StatusTrialing: true,
		models.StatusExpired:  true,
	},
	models.StatusExpired: {},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to models.AssignmentStatus) bool {
	return transitions[from][to]
}

// externalStatuses maps gateway subscription statuses onto local statuses.
// Anything missing here is left unapplied.
var externalStatuses = map[string]models.AssignmentStatus{
	"trialing":   models.StatusTrialing,
	"active":     models.StatusActive,
	"past_due":   models.StatusPastDue,
	"unpaid":     models.StatusPastDue,
	"canceled":   models.StatusCanceled,
	"incomplete": models.StatusPending,
}

// MapExternalStatus translates a gateway status; ok is false for unmapped values
func MapExternalStatus(external string) (models.AssignmentStatus, bool) {
	status, ok := externalStatuses[external]
	return status, ok
}

// initialStatus derives trialing or active for a term starting at now
func initialStatus(trialEndsAt *time.Time, now time.Time) models.AssignmentStatus {
	if trialEndsAt != nil && now.Before(*trialEndsAt) {
		return models.StatusTrialing
	}
	return models.StatusActive
}
