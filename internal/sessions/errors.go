package sessions

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound indicates that no record exists for the requested session id.
	ErrSessionNotFound = errors.New("sessions: session not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// PersistenceError reports that a store operation failed (network, permission, quota).
// Callers treat it as non-fatal for heartbeats and creates.
type PersistenceError struct {
	Operation string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return "sessions: persistence failure during " + e.Operation
	}
	return fmt.Sprintf("sessions: persistence failure during %s: %v", e.Operation, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps cause unless it already is a PersistenceError or a not-found signal.
func NewPersistenceError(operation string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrSessionNotFound) {
		return cause
	}
	var existing *PersistenceError
	if errors.As(cause, &existing) {
		return cause
	}
	return &PersistenceError{Operation: operation, Err: cause}
}

// IsPersistenceError reports whether err stems from a failed store operation.
func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}
