package models

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports bad input to an operation. Validation failures are
// synchronous and non-retryable; the Field names the offending input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// DeploymentError reports a platform adapter failure during a stage. It is
// retried per the orchestrator's retry policy and otherwise triggers rollback.
type DeploymentError struct {
	PlanID      string
	StageNumber int
	Op          string
	Err         error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deploy: plan %s stage %d: %s: %v", e.PlanID, e.StageNumber, e.Op, e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// TimeoutError reports that a stage or plan exceeded its duration ceiling.
// It is handled identically to a DeploymentError.
type TimeoutError struct {
	PlanID  string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: plan %s exceeded %s (elapsed %s)", e.PlanID, e.Limit, e.Elapsed.Round(time.Second))
}

// DatabaseError wraps a persistence failure. Database errors are retryable by
// the caller; the operation that failed to persist must be considered
// not-yet-applied.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// RollbackError reports a failed rollback. It is fatal and never auto-retried:
// the asset may be left in an undefined state, so it must be surfaced
// distinctly from a normal stage failure.
type RollbackError struct {
	PlanID     string
	SnapshotID string
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback: plan %s snapshot %s: %v", e.PlanID, e.SnapshotID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// ErrNotFound is returned by stores when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDatabase reports whether err is (or wraps) a DatabaseError.
func IsDatabase(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRollbackFailure reports whether err is (or wraps) a RollbackError.
func IsRollbackFailure(err error) bool {
	var re *RollbackError
	return errors.As(err, &re)
}

// Retryable reports whether the caller may safely retry the failed operation.
// Database errors are retryable; validation and rollback failures are not.
func Retryable(err error) bool {
	return IsDatabase(err)
}
