package lore

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores and the job manager.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a job status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrTerminalState is returned when an operation targets a job that
	// already reached completed, failed or canceled.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// ValidationError reports a rejected request parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ProviderError describes a failed AI provider call. Transient errors
// (timeouts, 429, 5xx) may succeed on a later attempt; anything else is a
// permanent request defect.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider request failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider request failed: %s", e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a ProviderError or FetchError marked
// transient.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

// FetchError describes a failed page fetch.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
