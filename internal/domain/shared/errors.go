// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has no infrastructure dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrTransientConflict      = errors.New("transient store conflict")

	// External service errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "badge", "leaderboard"
	Op      string // Operation that failed, e.g., "GrantXP", "AwardBadge"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching against the kind and the wrapped error.
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Op == t.Op && e.Message == t.Message
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// With returns a copy of a sentinel error carrying a more specific message
// and cause. The copy still matches the sentinel with errors.Is.
func (e *DomainError) With(detail string, cause error) *DomainError {
	cp := *e
	if cause != nil {
		cp.Err = cause
	}
	if detail != "" {
		cp.Err = joinDetail(detail, cp.Err)
	}
	return &cp
}

func joinDetail(detail string, cause error) error {
	if cause == nil {
		return errors.New(detail)
	}
	return fmt.Errorf("%s: %w", detail, cause)
}

// Progress domain errors
var (
	ErrProgressNotFound    = NewDomainError("progress", "Load", ErrNotFound, "user progress not found")
	ErrInvalidUserID       = NewDomainError("progress", "Validate", ErrInvalidID, "user id is required")
	ErrInvalidXPAmount     = NewDomainError("progress", "GrantXP", ErrInvalidInput, "xp amount must be positive")
	ErrInvalidActivityTime = NewDomainError("progress", "RecordActivity", ErrInvalidInput, "activity time is out of range")
	ErrStoreConflict       = NewDomainError("progress", "Save", ErrTransientConflict, "progress was modified concurrently, retry budget exhausted")
)

// Badge domain errors
var (
	ErrBadgeNotFound      = NewDomainError("badge", "Find", ErrNotFound, "badge not found in catalog")
	ErrBadgeAlreadyEarned = NewDomainError("badge", "Award", ErrAlreadyExists, "badge already earned")
	ErrInvalidBadgeRule   = NewDomainError("badge", "Validate", ErrValidation, "invalid badge rule")
	ErrDuplicateBadgeID   = NewDomainError("badge", "Catalog", ErrAlreadyExists, "duplicate badge id in catalog")
)

// Leaderboard domain errors
var (
	ErrInvalidPeriod     = NewDomainError("leaderboard", "Validate", ErrInvalidInput, "unknown leaderboard period")
	ErrInvalidPagination = NewDomainError("leaderboard", "Validate", ErrValueOutOfRange, "invalid limit or offset")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsConflict reports an optimistic-lock conflict on a single save attempt.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsRetryable checks if the caller may safely retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
