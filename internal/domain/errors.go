package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the credential vault.
var (
	ErrFormat              = errors.New("malformed credential")
	ErrInvalidCredential   = errors.New("credential rejected by provider")
	ErrRateLimited         = errors.New("provider rate limit exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNotFound            = errors.New("credential not found")
	ErrInvalidRequest      = errors.New("invalid request")
)

// ValidationError reports a key the provider (or the format check) refused.
// errors.Is matches against Kind.
type ValidationError struct {
	Kind    error
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// RateLimitedError reports provider-side throttling. RetryAfter is the raw
// Retry-After header value, empty when the provider sent none.
type RateLimitedError struct {
	Provider   Provider
	RetryAfter string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter == "" {
		return fmt.Sprintf("%s: %s", e.Provider, ErrRateLimited)
	}
	return fmt.Sprintf("%s: %s (retry after %s)", e.Provider, ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ServiceError is the single error type surfaced at the vault boundary for
// provider, transport, storage and crypto failures. Error() returns only the
// public message; the cause is kept for server-side logs via Unwrap.
type ServiceError struct {
	Message string
	Cause   error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Cause }

// NewServiceError wraps cause behind a public message.
func NewServiceError(message string, cause error) *ServiceError {
	return &ServiceError{Message: message, Cause: cause}
}
