package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCacheMiss indicates no cached entry was found.
var ErrCacheMiss = errors.New("cache miss")

// ErrCircuitOpen is an internal routing signal: the provider's breaker
// denied the call. It is never surfaced to callers unless every
// candidate was exhausted.
var ErrCircuitOpen = errors.New("circuit open")

// ErrBudgetExceeded indicates a hard budget stop is active.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrQueueFull indicates the global dispatch queue is saturated and the
// caller should retry later.
var ErrQueueFull = errors.New("request queue full")

// ErrAllProvidersUnavailable is the terminal routing failure: every
// eligible candidate was attempted and failed.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// ErrorKind classifies a provider failure. Classification happens
// exactly once, at the adapter boundary, and is never revised
// downstream.
type ErrorKind int

const (
	// ErrorKindAuth is a credential or configuration failure. Not retryable.
	ErrorKindAuth ErrorKind = iota
	// ErrorKindRateLimit is a provider throttle response. Retryable.
	ErrorKindRateLimit
	// ErrorKindTimeout covers deadline expiry and ambiguous dropped
	// connections. Retryable: no usage is recorded for an
	// unacknowledged call.
	ErrorKindTimeout
	// ErrorKindUnavailable covers network failures and 5xx responses. Retryable.
	ErrorKindUnavailable
	// ErrorKindInvalidResponse is a malformed provider payload. Not retryable.
	ErrorKindInvalidResponse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAuth:
		return "auth"
	case ErrorKindRateLimit:
		return "rate_limit"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindUnavailable:
		return "unavailable"
	case ErrorKindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindRateLimit, ErrorKindTimeout, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from one provider adapter.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	RetryAfter time.Duration // provider backoff hint, zero if absent
	Err        error
}

// NewProviderError wraps err with its classification.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Err:      err,
	}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether this error may be retried.
func (e *ProviderError) Retryable() bool {
	return e.Kind.Retryable()
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ErrorKindOf extracts the classification from err, if present.
func ErrorKindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// RetryAfterHint extracts a provider backoff hint from err, if present.
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// AttemptError records the terminal failure of one routed candidate.
type AttemptError struct {
	Provider string
	Attempts int
	Err      error
}

// AllProvidersError carries the full attempt trail when every candidate
// was exhausted. It matches ErrAllProvidersUnavailable under errors.Is.
type AllProvidersError struct {
	Attempts []AttemptError
}

func (e *AllProvidersError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (attempts=%d): %v", a.Provider, a.Attempts, a.Err))
	}
	return fmt.Sprintf("all providers unavailable: %s", strings.Join(parts, "; "))
}

func (e *AllProvidersError) Is(target error) bool {
	return target == ErrAllProvidersUnavailable
}
