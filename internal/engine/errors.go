package engine

import (
	"errors"
	"fmt"
	"strings"

	"workbridge/internal/db"
	"workbridge/internal/domain"
	"workbridge/internal/events"
)

// ErrNoWorkAvailable is returned by ClaimNext when nothing is eligible.
var ErrNoWorkAvailable = errors.New("no work available")

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError means the caller's expected version is not the entity's
// current version.
type ConflictError struct {
	EntityID string
	Expected string
	Actual   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %s, actual %s", e.EntityID, e.Expected, e.Actual)
}

type InvalidTransitionError struct {
	From    domain.Status
	To      domain.Status
	Allowed []domain.Status
}

func (e InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid status transition %s -> %s (allowed: %s)", e.From, e.To, strings.Join(allowed, ", "))
}

type CycleError struct {
	WorkID      string
	DependsOnID string
	Path        []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s", e.WorkID, e.DependsOnID, strings.Join(e.Path, " -> "))
}

type NotAssignedError struct {
	WorkID     string
	AgentID    string
	AssigneeID string
}

func (e NotAssignedError) Error() string {
	if e.AssigneeID == "" {
		return fmt.Sprintf("work %s is not assigned; %s cannot act on it", e.WorkID, e.AgentID)
	}
	return fmt.Sprintf("work %s is assigned to %s, not %s", e.WorkID, e.AssigneeID, e.AgentID)
}

type AlreadyTerminalError struct {
	WorkID string
	Status domain.Status
}

func (e AlreadyTerminalError) Error() string {
	return fmt.Sprintf("work %s is already %s", e.WorkID, e.Status)
}

type MaxAttemptsExceededError struct {
	Attempts int
}

func (e MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("claim gave up after %d attempts", e.Attempts)
}

// SystemError wraps storage and other unexpected failures. Callers retry
// with the same idempotency key. Busy marks a write lock that was not
// granted within the busy timeout.
type SystemError struct {
	Op   string
	Err  error
	Busy bool
}

func (e SystemError) Error() string {
	if e.Busy {
		return fmt.Sprintf("%s: database busy: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e SystemError) Unwrap() error {
	return e.Err
}

// Error codes shared by the HTTP and MCP surfaces.
const (
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeInvalidTransition = "invalid_transition"
	CodeCycle             = "cycle"
	CodeNotAssigned       = "not_assigned"
	CodeAlreadyTerminal   = "already_terminal"
	CodeMaxAttempts       = "max_attempts_exceeded"
	CodeNoWork            = "no_work_available"
	CodeSystem            = "system_error"
)

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	var (
		validation ValidationError
		notFound   NotFoundError
		conflict   ConflictError
		transition InvalidTransitionError
		cycle      CycleError
		notAssign  NotAssignedError
		terminal   AlreadyTerminalError
		attempts   MaxAttemptsExceededError
	)
	switch {
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &conflict):
		return CodeConflict
	case errors.As(err, &transition):
		return CodeInvalidTransition
	case errors.As(err, &cycle):
		return CodeCycle
	case errors.As(err, &notAssign):
		return CodeNotAssigned
	case errors.As(err, &terminal):
		return CodeAlreadyTerminal
	case errors.As(err, &attempts):
		return CodeMaxAttempts
	case errors.Is(err, ErrNoWorkAvailable):
		return CodeNoWork
	default:
		return CodeSystem
	}
}

// classify keeps taxonomy errors as they are and wraps everything else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, events.ErrInvalidDraft) {
		return ValidationError{Field: "event", Reason: err.Error()}
	}
	if ErrorCode(err) != CodeSystem {
		return err
	}
	var sys SystemError
	if errors.As(err, &sys) {
		return err
	}
	return SystemError{Op: op, Err: err, Busy: db.IsBusy(err)}
}
