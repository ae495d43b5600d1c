package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrValidation        = errors.New("validation error")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrUpstream          = errors.New("upstream error")
	ErrUnsupported       = errors.New("unsupported operation")
	ErrModelNotFound     = errors.New("model not found")
	ErrSecretNotFound    = errors.New("secret not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrSearchFailed      = errors.New("search failed")
	ErrCircuitOpen       = errors.New("model temporarily unavailable: circuit open")
	ErrEmptyConversation = errors.New("messagesHistory is empty")
)

// MissingCredentialError names a secret or endpoint a backend could not resolve.
type MissingCredentialError struct {
	Name string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing credential %s", e.Name)
}

func (e *MissingCredentialError) Unwrap() error { return ErrConfiguration }

// FieldOutOfRangeError is returned when a request parameter falls outside the
// bounds of the resolved model.
type FieldOutOfRangeError struct {
	Field string
	Min   float64
	Max   float64
}

func (e *FieldOutOfRangeError) Error() string {
	return fmt.Sprintf("model.%s must be between %s and %s", e.Field, formatBound(e.Min), formatBound(e.Max))
}

func (e *FieldOutOfRangeError) Unwrap() error { return ErrValidation }

type QuotaExceededError struct {
	Count     int
	NextReset time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("max quota reached [%d], retry after [%s] UTC", e.Count, e.NextReset.UTC().Format("2006-01-02 15:04:05"))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

type RateLimitedError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per minute exceeded, retry after [%s] UTC", e.Limit, e.ResetAt.UTC().Format("2006-01-02 15:04:05"))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// UpstreamError carries the status and body of a failed backend call verbatim.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

type UnsupportedError struct {
	What string
}

func (e *UnsupportedError) Error() string {
	return e.What
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }

// StatusCode maps an error to the HTTP status reported to callers. Quota and
// rate limit exhaustion are the only functional failures with their own code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType returns the taxonomy label used in error payloads.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyConversation):
		return "validation_error"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrCircuitOpen):
		return "upstream_error"
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrModelNotFound):
		return "unsupported_operation"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return "auth_error"
	default:
		return "internal_error"
	}
}

func formatBound(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
