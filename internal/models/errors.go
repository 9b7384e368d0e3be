package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAuthExpired means the user must grant calendar access again.
	ErrAuthExpired = errors.New("re-authentication required")
	// ErrProvider covers non-auth failures reported by the calendar provider.
	ErrProvider = errors.New("calendar provider error")
	// ErrOracleFailure means the oracle errored or returned unparsable output.
	ErrOracleFailure = errors.New("oracle failure")
	// ErrValidation means oracle output violated a hard scheduling rule.
	ErrValidation = errors.New("schedule validation failed")
	// ErrTimeout means a job exceeded its execution budget.
	ErrTimeout = errors.New("job timed out")
	// ErrQueueFull is returned when the job queue cannot accept more work.
	ErrQueueFull = errors.New("job queue full")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// ProviderError carries the HTTP status of a failed provider call.
type ProviderError struct {
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("calendar provider error (status %d): %v", e.Status, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// AuthExpiredError wraps the cause of an unrecoverable authorization failure.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	if e.Err == nil {
		return ErrAuthExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuthExpired, e.Err)
}

func (e *AuthExpiredError) Unwrap() []error { return []error{ErrAuthExpired, e.Err} }

// Validation rules, in evaluation order.
const (
	RuleWellFormed    = "well_formed"
	RuleFixedEvents   = "fixed_events_preserved"
	RuleNoOverlap     = "no_overlap"
	RuleNotInPast     = "not_in_past"
	RulePreferredTime = "preferred_time"
	RuleProvenance    = "item_provenance"
)

// ValidationError reports the specific rule an oracle schedule violated.
type ValidationError struct {
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schedule validation failed (%s): %s", e.Rule, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
