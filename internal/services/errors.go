package services

import (
	"errors"
	"fmt"
)

// NotFoundError represents a missing tenant, plan or assignment
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFoundError checks if an error is a NotFoundError
func IsNotFoundError(err error) (*NotFoundError, bool) {
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return notFoundErr, true
	}
	return nil, false
}

// InvalidStateError represents an operation that is illegal for the current status
type InvalidStateError struct {
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	sentinel  error
}

func (e *InvalidStateError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cannot %s in status %q: %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("cannot %s in status %q", e.Operation, e.Status)
}

// Unwrap lets errors.Is match the sentinel this error was raised for
func (e *InvalidStateError) Unwrap() error {
	return e.sentinel
}

// NewInvalidStateError creates a new invalid-state error
func NewInvalidStateError(operation, status, message string) *InvalidStateError {
	return &InvalidStateError{Operation: operation, Status: status, Message: message}
}

// IsInvalidStateError checks if an error is an InvalidStateError
func IsInvalidStateError(err error) (*InvalidStateError, bool) {
	var stateErr *InvalidStateError
	if errors.As(err, &stateErr) {
		return stateErr, true
	}
	return nil, false
}

// ValidationError represents malformed input
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// ConcurrencyConflictError represents lock or compare-and-swap contention
type ConcurrencyConflictError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Err      error  `json:"-"`
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent modification of %s %s: %v", e.Resource, e.ID, e.Err)
	}
	return fmt.Sprintf("concurrent modification of %s %s", e.Resource, e.ID)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return e.Err
}

// NewConcurrencyConflictError creates a new concurrency conflict error
func NewConcurrencyConflictError(resource, id string, err error) *ConcurrencyConflictError {
	return &ConcurrencyConflictError{Resource: resource, ID: id, Err: err}
}

// IsConcurrencyConflictError checks if an error is a ConcurrencyConflictError
func IsConcurrencyConflictError(err error) (*ConcurrencyConflictError, bool) {
	var conflictErr *ConcurrencyConflictError
	if errors.As(err, &conflictErr) {
		return conflictErr, true
	}
	return nil, false
}

var (
	// ErrNoActiveSubscription is returned when a command needs a current assignment
	ErrNoActiveSubscription = errors.New("tenant has no active subscription")
	// ErrNotReactivatable is returned when reactivation is outside the grace period
	ErrNotReactivatable = errors.New("subscription is not reactivatable")
)

func noActiveSubscription(tenantID string) error {
	return fmt.Errorf("%w: %w", ErrNoActiveSubscription, NewNotFoundError("subscription", tenantID))
}

func notReactivatable(status, message string) error {
	e := NewInvalidStateError("reactivate", status, message)
	e.sentinel = ErrNotReactivatable
	return e
}
