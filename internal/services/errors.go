package services

import (
	"errors"
	"fmt"

	"studysync-backend/internal/repository"
)

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrAlreadyClaimed is the conflict code returned when a notepad is owned by
// another participant.
const ErrAlreadyClaimed = "ALREADY_CLAIMED"

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

type RateLimitError struct{ Message string }

func (e *RateLimitError) Error() string { return e.Message }

// TransientError wraps a backend failure the caller may retry with backoff.
// Every operation that can return it is idempotent.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// BackupFailure describes a failed secondary chat write. It is only ever
// logged.
type BackupFailure struct {
	MessageID string
	Err       error
}

func (e *BackupFailure) Error() string {
	return fmt.Sprintf("chat backup for message %s failed: %v", e.MessageID, e.Err)
}

func (e *BackupFailure) Unwrap() error { return e.Err }

// storeErr maps repository errors onto the service taxonomy.
func storeErr(op string, err error, notFound string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Message: notFound}
	}
	return &TransientError{Op: op, Err: err}
}
