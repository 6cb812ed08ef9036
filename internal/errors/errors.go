// Package errors provides centralized error definitions and classification
// helpers for the Bounce codebase. It defines sentinel errors for the
// protocol, orchestrator, and agent subsystems, typed errors that carry
// structured context, and helpers for retry and cancellation decisions.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Session and protocol sentinel errors
var (
	// ErrSessionInvalid indicates that a session failed validation with
	// error-severity issues.
	ErrSessionInvalid = New("session is invalid")
	// ErrAgentUnknown indicates an author that is not listed in the
	// session rules.
	ErrAgentUnknown = New("agent not in rules")
)

// Orchestrator sentinel errors
var (
	// ErrCanceled indicates that an operation was canceled by the caller.
	ErrCanceled = New("operation canceled")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrDebateRunning indicates a mutation that is rejected while a
	// debate is in progress.
	ErrDebateRunning = New("debate is running")
	// ErrDebateNotRunning indicates an action that requires an active debate.
	ErrDebateNotRunning = New("debate is not running")
	// ErrNoParticipants indicates a debate started with no participants.
	ErrNoParticipants = New("no participants")
)

// Agent manager sentinel errors
var (
	// ErrConcurrencyLimit indicates the running-process ceiling was reached.
	ErrConcurrencyLimit = New("concurrency limit reached")
	// ErrCircuitOpen indicates the adapter's circuit breaker is open.
	ErrCircuitOpen = New("adapter circuit open")
	// ErrAgentNotFound indicates an unknown managed agent id.
	ErrAgentNotFound = New("agent not found")
	// ErrAdapterUnavailable indicates the adapter reported itself unavailable.
	ErrAdapterUnavailable = New("adapter unavailable")
	// ErrShuttingDown indicates the manager is shutting down and rejects
	// new work.
	ErrShuttingDown = New("manager shutting down")
)

// LockTimeoutError is returned when a file lock could not be acquired
// within the configured ceiling.
type LockTimeoutError struct {
	// Path is the locked resource path (not the lock marker path).
	Path string
	// Timeout is the acquisition ceiling that elapsed.
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("file lock timeout after %s: %s", e.Timeout, e.Path)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError is returned after a participant or judge call exhausts
// its retries. It wraps the final attempt's error.
type TransportError struct {
	// Model is the model identifier the call targeted.
	Model string
	// Attempts is the total number of attempts made.
	Attempts int
	// Err is the error from the final attempt.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("model %s failed after %d attempts: %v", e.Model, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError aggregates error-severity validation issues into a
// single error value for callers that treat an invalid session as fatal.
type ValidationError struct {
	// Issues holds the issue messages, in discovery order.
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Issues[0])
	}
	return fmt.Sprintf("validation failed with %d issues", len(e.Issues))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrSessionInvalid
}

// IsCanceled reports whether err represents cooperative cancellation,
// either via this package's sentinel or a context error.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether err is a transient failure that may
// succeed on retry. Cancellation, circuit-open, concurrency-limit, and
// validation failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCanceled(err) {
		return false
	}
	switch {
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrConcurrencyLimit),
		errors.Is(err, ErrShuttingDown),
		errors.Is(err, ErrSessionInvalid):
		return false
	}
	return true
}

// Canceled wraps err (typically a context error) with the ErrCanceled
// sentinel so callers can match on it without importing context.
func Canceled(err error) error {
	if err == nil {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %v", ErrCanceled, err)
}
