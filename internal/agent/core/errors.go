package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies agent failures for retry and aggregation decisions.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
	KindProviderError   ErrorKind = "provider_error"
	KindValidationError ErrorKind = "validation_error"
	KindCancelled       ErrorKind = "cancelled"
	KindEssential       ErrorKind = "essential_agent_failure"
	KindNonEssential    ErrorKind = "non_essential_agent_failure"
)

// KindInvalidResponse is the provider-boundary name for a malformed reply.
const KindInvalidResponse = KindValidationError

// AgentError is the structured failure carried by AgentResult and returned across the provider boundary.
type AgentError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// Is matches another *AgentError by kind.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCause attaches an underlying error.
func (e *AgentError) WithCause(cause error) *AgentError {
	e.Cause = cause
	return e
}

// ErrTimeout creates a retryable timeout error.
func ErrTimeout(message string) *AgentError {
	return &AgentError{Kind: KindTimeout, Message: message, Retryable: true}
}

// ErrRateLimited creates a retryable rate limit error.
func ErrRateLimited(message string) *AgentError {
	return &AgentError{Kind: KindRateLimited, Message: message, Retryable: true}
}

// ErrProvider creates a remote provider failure. 5xx-equivalents are retryable.
func ErrProvider(message string, retryable bool) *AgentError {
	return &AgentError{Kind: KindProviderError, Message: message, Retryable: retryable}
}

// ErrValidation creates a non-retryable malformed response error.
func ErrValidation(message string) *AgentError {
	return &AgentError{Kind: KindValidationError, Message: message}
}

// ErrCancelled marks work that was abandoned because its story or batch was cancelled.
func ErrCancelled(message string) *AgentError {
	return &AgentError{Kind: KindCancelled, Message: message}
}

// Sentinels usable with errors.Is.
var (
	ErrKindTimeout     = &AgentError{Kind: KindTimeout}
	ErrKindRateLimited = &AgentError{Kind: KindRateLimited}
	ErrKindProvider    = &AgentError{Kind: KindProviderError}
	ErrKindValidation  = &AgentError{Kind: KindValidationError}
	ErrKindCancelled   = &AgentError{Kind: KindCancelled}
)

// Classify converts any error into an *AgentError.
func Classify(err error) *AgentError {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout("deadline exceeded").WithCause(err)
	case errors.Is(err, context.Canceled):
		return ErrCancelled("context cancelled").WithCause(err)
	}
	return ErrProvider(err.Error(), true).WithCause(err)
}

// KindOf returns the classified kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if ae := Classify(err); ae != nil {
		return ae.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	ae := Classify(err)
	if ae == nil {
		return false
	}
	switch ae.Kind {
	case KindTimeout, KindRateLimited:
		return true
	case KindProviderError:
		return ae.Retryable
	}
	return false
}
