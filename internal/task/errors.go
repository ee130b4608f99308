package task

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match these through Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUpstream            = errors.New("upstream service failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStateCorruption     = errors.New("state corruption")
	ErrNotFound            = errors.New("task context not found")
)

// Lookup errors.
var (
	ErrUnknownRequest = errors.New("request is not pending")
	ErrTerminal       = errors.New("task context is terminal")
	ErrQuarantined    = errors.New("task context is quarantined for audit")
)

// ValidationError reports a malformed template, plan, agent response or
// entry. It is never retried and no entry is appended for it.
type ValidationError struct {
	Subject  string
	Problems []string
}

// NewValidationError builds a ValidationError for subject.
func NewValidationError(subject string, problems ...string) *ValidationError {
	return &ValidationError{Subject: subject, Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid %s", e.Subject)
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UpstreamError reports a reasoning service or tool failure after retries
// were exhausted.
type UpstreamError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

// Is matches ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ConflictError reports an append with a stale sequence number. The caller
// must reload history and recompute state before trying again.
type ConflictError struct {
	ContextID string
	Expected  int
	Got       int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected sequence %d, got %d", e.ContextID, e.Expected, e.Got)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// CorruptionError reports a loaded history that violates a structural
// invariant. Corrupt contexts are not resumed automatically.
type CorruptionError struct {
	ContextID string
	Sequence  int
	Reason    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("state corruption in %s at sequence %d: %s", e.ContextID, e.Sequence, e.Reason)
}

// Is matches ErrStateCorruption.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrStateCorruption
}
