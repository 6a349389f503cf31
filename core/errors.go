package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrProviderTransient marks timeouts, 5xx responses and connection failures.
	ErrProviderTransient = errors.New("provider transient error")
	// ErrProviderRateLimited marks HTTP 429 responses.
	ErrProviderRateLimited = errors.New("provider rate limited")
	// ErrProviderPermanent marks non-retryable client errors (bad request, auth).
	ErrProviderPermanent = errors.New("provider permanent error")
	// ErrAllProvidersExhausted is returned once every endpoint was tried or skipped.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	// ErrNoAgentAvailable is returned for unknown task types without a default mapping.
	ErrNoAgentAvailable = errors.New("no agent available")
	// ErrTaskInfrastructure marks unreachable context or persistent stores.
	ErrTaskInfrastructure = errors.New("task infrastructure error")
	// ErrTaskNotFound is returned by stores for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned for non-monotonic status changes.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrInvalidDescriptor is returned for malformed task descriptors.
	ErrInvalidDescriptor = errors.New("invalid task descriptor")
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindPermanent   ErrorKind = "permanent"
)

// ProviderError is a classified failure returned by a model endpoint.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the server suggested cooldown for rate limits, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is maps the kind onto the matching sentinel.
func (e *ProviderError) Is(target error) bool {
	switch e.Kind {
	case KindTransient:
		return target == ErrProviderTransient
	case KindRateLimited:
		return target == ErrProviderRateLimited
	case KindPermanent:
		return target == ErrProviderPermanent
	}

	return false
}

// NewProviderError classifies an error by HTTP status code: 429 is a rate
// limit, 408 and 5xx are transient, other 4xx are permanent. A zero status
// (connection failure) is transient.
func NewProviderError(provider string, status int, err error) *ProviderError {
	kind := KindTransient

	switch {
	case status == 429:
		kind = KindRateLimited
	case status == 408 || status >= 500 || status == 0:
		kind = KindTransient
	case status >= 400:
		kind = KindPermanent
	}

	return &ProviderError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// Attempt records one router attempt against one endpoint.
type Attempt struct {
	Endpoint string        `json:"endpoint"`
	Model    string        `json:"model"`
	Skipped  bool          `json:"skipped,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Success  bool          `json:"success"`
	At       time.Time     `json:"at"`
}

// ExhaustedError carries the full attempt trace after every endpoint failed
// or was skipped.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))

	for _, a := range e.Attempts {
		switch {
		case a.Skipped:
			parts = append(parts, fmt.Sprintf("%s: skipped (%s)", a.Endpoint, a.Reason))
		default:
			parts = append(parts, fmt.Sprintf("%s: %s", a.Endpoint, a.Error))
		}
	}

	if len(parts) == 0 {
		return ErrAllProvidersExhausted.Error() + ": no endpoints configured"
	}

	return ErrAllProvidersExhausted.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrAllProvidersExhausted }

// InfrastructureError wraps a store failure that aborts the task.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTaskInfrastructure, e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() []error { return []error{ErrTaskInfrastructure, e.Err} }

// Infrastructure wraps err as an InfrastructureError unless it already is one.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}

	var ie *InfrastructureError
	if errors.As(err, &ie) {
		return err
	}

	return &InfrastructureError{Op: op, Err: err}
}
