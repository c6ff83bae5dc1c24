// Package errors carries the error taxonomy shared by the task
// coordination packages (retryschedule, monotask, heavytasks).
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to fetch callers (spec §4.4.8, §7).
var (
	// ErrEvictedByPriorityStrategy is delivered to a waiting record's
	// callbacks when capacity overflow forces it out of the queue.
	ErrEvictedByPriorityStrategy = errors.New("evicted by priority strategy")

	// ErrInvalidKey is never returned from fetch directly — a result
	// cache reporting an invalid key short-circuits to a successful
	// nil result (spec §4.4.8) — but it is the internal marker the
	// cache contract and heavytasks package use to recognize that case.
	ErrInvalidKey = errors.New("invalid key")

	// ErrTimeout and ErrUnavailable classify provider failures that a
	// caller-side RetrySchedule (outside the manager) may choose to
	// retry on; the manager itself never retries (spec §4.4.8).
	ErrTimeout     = errors.New("operation timed out")
	ErrUnavailable = errors.New("service unavailable")
)

// ProviderError wraps a failure emitted by a Provider's result sink.
// It is surfaced verbatim to every result callback registered for the
// key (spec §4.4.8: "provider-emitted failure is surfaced verbatim").
type ProviderError struct {
	Key     any
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider failure for key %v: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("provider failure for key %v: %s", e.Key, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err as a ProviderError for key. key is any
// comparable type from a KVHeavyTasksManager instantiation — it is
// only ever used for formatting, never compared.
func NewProviderError(key any, message string, err error) *ProviderError {
	return &ProviderError{Key: key, Message: message, Err: err}
}

// IsRetryable reports whether err is likely transient. It has no role
// inside KVHeavyTasksManager (which never retries internally) but is
// used by RetrySchedule-driven callers — MonoTask bodies and the
// example Providers under providers/ — to decide whether a failure is
// worth consuming a retry attempt on.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return IsRetryable(provErr.Err)
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
