package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced by the coordination plane. Callers match
// with errors.Is or the Is* helpers below; Code maps a kind to its stable
// machine-readable string.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConstraint    = errors.New("constraint violation")
	ErrLeaseHeld     = errors.New("lease held")
	ErrInvalidState  = errors.New("invalid state")
	ErrConnection    = errors.New("connection error")
	ErrTransaction   = errors.New("transaction error")
	ErrNetwork       = errors.New("network error")
	ErrTimeout       = errors.New("timeout")
	ErrConflict      = errors.New("conflict")
	ErrFatal         = errors.New("fatal")
	ErrConfig        = errors.New("configuration error")
	ErrSyncBusy      = errors.New("sync already in progress")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...interface{}) error {
	return wrap(ErrNotFound, format, args...)
}

// AlreadyExists wraps ErrAlreadyExists with a formatted message.
func AlreadyExists(format string, args ...interface{}) error {
	return wrap(ErrAlreadyExists, format, args...)
}

// Constraint wraps ErrConstraint with a formatted message.
func Constraint(format string, args ...interface{}) error {
	return wrap(ErrConstraint, format, args...)
}

// LeaseHeld wraps ErrLeaseHeld with a formatted message.
func LeaseHeld(format string, args ...interface{}) error {
	return wrap(ErrLeaseHeld, format, args...)
}

// InvalidState wraps ErrInvalidState with a formatted message.
func InvalidState(format string, args ...interface{}) error {
	return wrap(ErrInvalidState, format, args...)
}

// Connection wraps ErrConnection with a formatted message.
func Connection(format string, args ...interface{}) error {
	return wrap(ErrConnection, format, args...)
}

// Transaction wraps ErrTransaction with a formatted message.
func Transaction(format string, args ...interface{}) error {
	return wrap(ErrTransaction, format, args...)
}

// Network wraps ErrNetwork with a formatted message.
func Network(format string, args ...interface{}) error {
	return wrap(ErrNetwork, format, args...)
}

// Timeout wraps ErrTimeout with a formatted message.
func Timeout(format string, args ...interface{}) error {
	return wrap(ErrTimeout, format, args...)
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...interface{}) error {
	return wrap(ErrConflict, format, args...)
}

// Fatal wraps ErrFatal with a formatted message.
func Fatal(format string, args ...interface{}) error {
	return wrap(ErrFatal, format, args...)
}

// Config wraps ErrConfig with a formatted message.
func Config(format string, args ...interface{}) error {
	return wrap(ErrConfig, format, args...)
}

func wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsConstraint(err error) bool    { return errors.Is(err, ErrConstraint) }
func IsLeaseHeld(err error) bool     { return errors.Is(err, ErrLeaseHeld) }
func IsInvalidState(err error) bool  { return errors.Is(err, ErrInvalidState) }
func IsConnection(err error) bool    { return errors.Is(err, ErrConnection) }
func IsTransaction(err error) bool   { return errors.Is(err, ErrTransaction) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsFatal(err error) bool         { return errors.Is(err, ErrFatal) }
func IsConfig(err error) bool        { return errors.Is(err, ErrConfig) }
func IsSyncBusy(err error) bool      { return errors.Is(err, ErrSyncBusy) }

// IsNetwork reports whether err is a network-class failure. Context
// cancellation and deadline expiry on remote calls count as network
// failures so aborted requests route to the offline queue.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether the store should retry the operation.
// Only connection and transaction failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTransaction)
}

// Code returns the stable machine-readable code for err, or "unknown"
// when err carries no known kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrConstraint):
		return "constraint_violation"
	case errors.Is(err, ErrLeaseHeld):
		return "lease_held"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	case errors.Is(err, ErrTransaction):
		return "transaction_error"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrConfig):
		return "configuration_error"
	case errors.Is(err, ErrSyncBusy):
		return "sync_busy"
	default:
		return "unknown"
	}
}
