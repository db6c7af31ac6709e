package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Validation errors
var (
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidQueueType   = errors.New("invalid queue type")
	ErrInvalidRegion      = errors.New("region is required")
	ErrPartyTooLarge      = errors.New("party exceeds maximum size")
	ErrPartyEmpty         = errors.New("party must have at least one member")
	ErrDuplicateMember    = errors.New("player appears more than once in party")
	ErrLeaderNotMember    = errors.New("leader must be a member of the party")
	ErrInvalidLatency     = errors.New("latency must be non-negative")
	ErrInvalidResponse    = errors.New("ready check response must be ACCEPTED or DECLINED")
	ErrInvalidVerdict     = errors.New("invalid smurf review verdict")
	ErrInvalidPlacement   = errors.New("placement record is inconsistent")
	ErrInvalidOutcome     = errors.New("invalid match outcome")
	ErrInvalidTierLadder  = errors.New("invalid tier ladder")
	ErrInvalidRangeReason = errors.New("invalid range reason")
)

// Conflict errors
var (
	ErrAlreadyQueued      = errors.New("player already has an active ticket")
	ErrVersionConflict    = errors.New("record was modified concurrently")
	ErrTicketNotWaiting   = errors.New("ticket is not waiting")
	ErrTicketLocked       = errors.New("ticket is locked for session handoff")
	ErrAlreadyResolved    = errors.New("ready check already resolved")
	ErrReadyCheckOpening  = errors.New("ready check is opening, retry shortly")
	ErrPlacementConsumed  = errors.New("placement record already consumed")
	ErrResultAlreadyFinal = errors.New("match result already applied")
)

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Err.Error()
	}
	return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError for a field
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// EligibilityError reports a player barred from matchmaking.
type EligibilityError struct {
	PlayerID uuid.UUID
	Reason   string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("player %s is not eligible: %s", e.PlayerID, e.Reason)
}

// ConflictError reports a request that collides with existing state.
type ConflictError struct {
	Resource string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %v", e.Resource, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// NewConflictError creates a ConflictError for a resource
func NewConflictError(resource string, err error) error {
	return &ConflictError{Resource: resource, Err: err}
}

// CapacityError reports that the system could not place players in time.
type CapacityError struct {
	Reason string
	Err    error
}

func (e *CapacityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capacity: %s: %v", e.Reason, e.Err)
	}
	return "capacity: " + e.Reason
}

func (e *CapacityError) Unwrap() error { return e.Err }

// TimeoutError reports an elapsed ready-check or anti-cheat sync deadline.
type TimeoutError struct {
	Operation string
	Deadline  time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out at %s", e.Operation, e.Deadline.Format(time.RFC3339))
}

// InfrastructureError wraps a failure of an external collaborator.
type InfrastructureError struct {
	Operation string
	Err       error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// NotFoundError reports a reference to an unknown entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError
func NewNotFoundError(resource string, id fmt.Stringer) error {
	return &NotFoundError{Resource: resource, ID: id.String()}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsEligibility(err error) bool {
	var target *EligibilityError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

func IsInfrastructure(err error) bool {
	var target *InfrastructureError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
