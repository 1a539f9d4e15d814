package ai

import (
	"errors"
	"fmt"
)

var (
	ErrNoProvidersAvailable  = errors.New("no providers available")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrInvalidRequest        = errors.New("invalid chat request")
)

// FailureKind classifies a single failed attempt.
type FailureKind string

const (
	KindTimeout           FailureKind = "timeout"
	KindTransport         FailureKind = "transport"
	KindStatus            FailureKind = "status"
	KindMalformedResponse FailureKind = "malformed_response"
)

// AttemptError records why one try against one provider failed.
type AttemptError struct {
	Provider   string
	Attempt    int
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *AttemptError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("provider %s attempt %d: non-success status %d", e.Provider, e.Attempt, e.StatusCode)
	default:
		if e.Err == nil {
			return fmt.Sprintf("provider %s attempt %d: %s", e.Provider, e.Attempt, e.Kind)
		}
		return fmt.Sprintf("provider %s attempt %d: %s: %v", e.Provider, e.Attempt, e.Kind, e.Err)
	}
}

func (e *AttemptError) Unwrap() error { return e.Err }

// CompletionError is the only error Complete returns once providers have been
// tried. Err is ErrNoProvidersAvailable, ErrAllProvidersExhausted or the
// caller's context error; Last is the final underlying attempt failure.
type CompletionError struct {
	RequestID string
	Err       error
	Last      *AttemptError
}

func (e *CompletionError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("chat completion: %v", e.Err)
	}
	return fmt.Sprintf("chat completion: %v: last error: %v", e.Err, e.Last)
}

func (e *CompletionError) Unwrap() []error {
	if e.Last == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Last}
}
