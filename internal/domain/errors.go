package domain

import (
	"errors"
	"fmt"
)

// StorageError reports a failure at the versioned-KV layer.
type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrVersionMismatch
	ErrTransactionConflict
	ErrCorrupted
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewVersionMismatchError(key string, expected, actual int64) *StorageError {
	return &StorageError{
		Type:    ErrVersionMismatch,
		Key:     key,
		Message: fmt.Sprintf("version mismatch for key %s: expected %d, got %d", key, expected, actual),
	}
}

var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotStarted        = errors.New("not started")
	ErrLeaseHeld         = errors.New("lease held by another worker")
	ErrLeaseNotFound     = errors.New("lease not found")
	ErrLeaseOwnedByOther = errors.New("lease owned by another worker")
	ErrNotPublished      = errors.New("process version is not published")
	ErrInstanceSuspended = errors.New("instance is suspended")
	ErrInstanceTerminal  = errors.New("instance already reached a terminal status")
	ErrInvalidInput      = errors.New("invalid input")
)

// ModelViolation is one structural problem found while validating a process
// model or a rule set.
type ModelViolation struct {
	ElementID string `json:"element_id,omitempty"`
	Message   string `json:"message"`
}

func (v ModelViolation) String() string {
	if v.ElementID == "" {
		return v.Message
	}
	return v.ElementID + ": " + v.Message
}

// InvalidModelError rejects a process model (or rule set) at creation time
// with the full violation list.
type InvalidModelError struct {
	Violations []ModelViolation
}

func (e *InvalidModelError) Error() string {
	if len(e.Violations) == 1 {
		return "invalid model: " + e.Violations[0].String()
	}
	return fmt.Sprintf("invalid model: %d violations, first: %s", len(e.Violations), e.Violations[0].String())
}

func IsInvalidModel(err error) bool {
	var ime *InvalidModelError
	return errors.As(err, &ime)
}

// NoMatchingFlowError reports an exclusive gateway with no true condition
// and no default flow.
type NoMatchingFlowError struct {
	InstanceID string
	ElementID  string
}

func (e *NoMatchingFlowError) Error() string {
	return fmt.Sprintf("no matching flow out of element %s in instance %s", e.ElementID, e.InstanceID)
}

// NotCandidateError rejects a claim by a user outside the task's candidate
// set.
type NotCandidateError struct {
	TaskID string
	UserID string
}

func (e *NotCandidateError) Error() string {
	return fmt.Sprintf("user %s is not a candidate for task %s", e.UserID, e.TaskID)
}

func IsNotCandidate(err error) bool {
	var nce *NotCandidateError
	return errors.As(err, &nce)
}

// NotAuthorizedError rejects an operation by an identity that lacks the
// required standing (wrong assignee, missing override authority).
type NotAuthorizedError struct {
	Op     string
	UserID string
	Reason string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("%s: user %s not authorized: %s", e.Op, e.UserID, e.Reason)
}

func IsNotAuthorized(err error) bool {
	var nae *NotAuthorizedError
	return errors.As(err, &nae)
}

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a lost optimistic-concurrency race.
// Conflicts are not user-visible failures: the losing worker abandons its
// attempt and no partial write is observed.
func IsConflict(err error) bool {
	if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrLeaseOwnedByOther) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Type == ErrVersionMismatch || se.Type == ErrTransactionConflict
	}
	return false
}

func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Type == ErrKeyNotFound
	}
	return false
}
