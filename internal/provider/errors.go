package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by providers
var (
	ErrRateLimited         = errors.New("provider rate limit exceeded")
	ErrUnauthorized        = errors.New("provider authentication failed")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrOfferUnavailable    = errors.New("offer no longer available")
	ErrInvalidRequest      = errors.New("invalid provider request")
	ErrProviderError       = errors.New("provider API error")
	ErrInvalidResponse     = errors.New("invalid provider response")
	ErrInsufficientBalance = errors.New("insufficient account balance")
)

// Error wraps a provider failure with call context
type Error struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	RetryAfter int // seconds, from a 429 Retry-After header when present
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Provider, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a provider error for an operation
func NewError(provider, operation string, statusCode int, message string, err error) *Error {
	return &Error{
		Provider:   provider,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// ClassifyStatus maps an HTTP status to the matching sentinel error
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrInstanceNotFound
	case status == http.StatusConflict:
		return ErrOfferUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	default:
		return ErrProviderError
	}
}

// IsRateLimited checks if the error is a rate limit error
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	if errors.Is(err, ErrInstanceNotFound) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusNotFound
	}
	return false
}

// IsOfferUnavailable checks if the error means the offer was taken
func IsOfferUnavailable(err error) bool {
	if errors.Is(err, ErrOfferUnavailable) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusConflict
	}
	return false
}

// IsInvalidRequest checks for 400/422-class errors, which are never retried
func IsInvalidRequest(err error) bool {
	if errors.Is(err, ErrInvalidRequest) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusBadRequest || pe.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// IsTransient checks if the error is worth retrying: connection-level
// failures, 5xx responses, and rate limits.
func IsTransient(err error) bool {
	if IsRateLimited(err) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.StatusCode == 0 {
			// No HTTP status: connection reset, timeout, EOF
			return !IsInvalidRequest(err) && !IsAuthError(err)
		}
		return pe.StatusCode >= 500 && pe.StatusCode < 600
	}
	return false
}
