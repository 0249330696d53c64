package botfleet

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by control-plane operations
var (
	// ErrAlreadyRunning indicates a start request for an active worker id
	ErrAlreadyRunning = errors.New("botfleet: worker already running")

	// ErrInvalidConfig indicates a worker or fleet config failed validation
	ErrInvalidConfig = errors.New("botfleet: invalid config")

	// ErrUnknownWorker indicates an operation on an unregistered worker id
	ErrUnknownWorker = errors.New("botfleet: unknown worker")

	// ErrSpawn indicates the worker process could not be spawned
	ErrSpawn = errors.New("botfleet: spawn failed")

	// ErrPermissionDenied indicates no grant matched the command name
	ErrPermissionDenied = errors.New("botfleet: permission denied")

	// ErrTargetUnavailable indicates a single-id target is not dispatchable
	ErrTargetUnavailable = errors.New("botfleet: target unavailable")

	// ErrDeadline indicates a dispatched command produced no reply in time
	ErrDeadline = errors.New("botfleet: command deadline exceeded")

	// ErrPoolExhausted indicates no pool slot is available under current limits
	ErrPoolExhausted = errors.New("botfleet: pool exhausted")

	// ErrConnectionUnavailable indicates the backend resource is unreachable
	ErrConnectionUnavailable = errors.New("botfleet: connection unavailable")

	// ErrConnectionLost indicates a held handle was declared unreachable
	// and must be re-acquired
	ErrConnectionLost = errors.New("botfleet: connection lost")

	// ErrChannelClosed indicates the worker's IPC channel is gone
	ErrChannelClosed = errors.New("botfleet: channel closed")

	// ErrStopped indicates the component has been shut down
	ErrStopped = errors.New("botfleet: stopped")
)

// OpError represents an error from a control-plane operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// ID is the worker, handle, or entity id involved
	ID string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("botfleet %s %q: %v", e.Op.String(), e.ID, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// ErrorClass is the coarse failure taxonomy exposed to operators. Each
// class maps to a distinct exit/error code at the command surface.
type ErrorClass int

const (
	// ClassNone means no error
	ClassNone ErrorClass = iota
	// ClassConfig is a fatal configuration error, never retried
	ClassConfig
	// ClassSpawn is a fatal per-worker spawn error, not auto-retried
	ClassSpawn
	// ClassTransient is a probe or connection failure retried with backoff
	ClassTransient
	// ClassPermission is a command rejected by the permission check
	ClassPermission
	// ClassUnavailable is a command whose target cannot receive it
	ClassUnavailable
	// ClassTimeout is a command that produced no reply before its deadline
	ClassTimeout
	// ClassExhausted is a fail-fast rejection at a resource ceiling
	ClassExhausted
	// ClassInternal is everything else
	ClassInternal
)

// String returns the string representation of an ErrorClass
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfig:
		return "config"
	case ClassSpawn:
		return "spawn"
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassUnavailable:
		return "unavailable"
	case ClassTimeout:
		return "timeout"
	case ClassExhausted:
		return "exhausted"
	default:
		return "internal"
	}
}

// Classify maps an error to its ErrorClass. It inspects the unwrap chain,
// so wrapped and OpError-wrapped sentinels classify the same as bare ones.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrInvalidConfig):
		return ClassConfig
	case errors.Is(err, ErrSpawn):
		return ClassSpawn
	case errors.Is(err, ErrPermissionDenied):
		return ClassPermission
	case errors.Is(err, ErrTargetUnavailable), errors.Is(err, ErrUnknownWorker):
		return ClassUnavailable
	case errors.Is(err, ErrDeadline), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrAlreadyRunning):
		return ClassExhausted
	case errors.Is(err, ErrConnectionUnavailable), errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrChannelClosed):
		return ClassTransient
	default:
		return ClassInternal
	}
}
