package engine

import (
	"errors"
	"fmt"
	"time"

	"tramiteline/internal/repo"
)

// Precondition codes.
const (
	CodeWrongActor        = "wrong_actor"
	CodeInvalidState      = "invalid_state"
	CodeAlreadyExists     = "already_exists"
	CodeMissingCapability = "missing_capability"
	CodeNotRequired       = "not_required"
	CodeInvalidInput      = "invalid_input"
)

// PreconditionError rejects an operation whose actor, state or input does not allow it. The
// caller may retry after correcting the precondition.
type PreconditionError struct {
	Code    string
	Message string
	Err     error
}

func (e *PreconditionError) Error() string { return e.Message }

func (e *PreconditionError) Unwrap() error { return e.Err }

func preconditionf(code, format string, args ...any) error {
	return &PreconditionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func missingCapability(err error) error {
	return &PreconditionError{Code: CodeMissingCapability, Message: err.Error(), Err: err}
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, repo.ErrNotFound)
}

// IsNotFound reports whether err refers to a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

// ValidationError is a rejected verification code.
type ValidationError struct {
	Message           string
	RemainingAttempts int
}

func (e *ValidationError) Error() string { return e.Message }

// LockedOutError means the user exhausted their attempts and must wait.
type LockedOutError struct {
	Until            time.Time
	RemainingMinutes int
}

func (e *LockedOutError) Error() string {
	unit := "minutos"
	if e.RemainingMinutes == 1 {
		unit = "minuto"
	}
	return fmt.Sprintf("verification locked; retry in %d %s", e.RemainingMinutes, unit)
}

func lockedOut(until, now time.Time) *LockedOutError {
	remaining := until.Sub(now)
	minutes := int(remaining / time.Minute)
	if remaining%time.Minute > 0 {
		minutes++
	}
	return &LockedOutError{Until: until, RemainingMinutes: minutes}
}

// DependencyError wraps a failed call to an external collaborator.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string { return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err) }

func (e *DependencyError) Unwrap() error { return e.Err }
