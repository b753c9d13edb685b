package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrOTPNotFound        = errors.New("otp not found")
	ErrOTPExpired         = errors.New("otp expired")
	ErrOTPLocked          = errors.New("otp locked")
	ErrOTPMismatch        = errors.New("otp mismatch")
	ErrUserNotFound       = errors.New("user not found")
	ErrAlreadyBound       = errors.New("connection already bound to another identity")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnknownTopic       = errors.New("unknown topic")
	ErrAuthRequired       = errors.New("authentication required")
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// RateLimitError carries the delay after which the caller may retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func NewRateLimitError(retryAfter time.Duration) *RateLimitError {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &RateLimitError{RetryAfter: retryAfter}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) RetryAfterSeconds() int {
	s := int(e.RetryAfter.Round(time.Second).Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

// StoreUnavailableError wraps a keyed-store or cache failure. Reads behind it
// have already been retried by the adapter; writes are never silently
// retried and require a caller-driven retry.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func NewStoreUnavailableError(op string, err error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Err: err}
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Wire codes shared by the websocket and HTTP surfaces.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeOTPExpired       = "OTP_EXPIRED"
	CodeOTPLocked        = "OTP_LOCKED"
	CodeOTPMismatch      = "OTP_MISMATCH"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAlreadyBound     = "ALREADY_BOUND"
	CodeUnknownTopic     = "UNKNOWN_TOPIC"
	CodeUserNotFound     = "USER_NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// CodeOf maps an error to its wire code.
func CodeOf(err error) string {
	var validationErr *ValidationError
	var rateErr *RateLimitError
	var storeErr *StoreUnavailableError
	switch {
	case errors.As(err, &validationErr):
		return CodeValidation
	case errors.As(err, &rateErr):
		return CodeRateLimited
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, ErrOTPExpired), errors.Is(err, ErrOTPNotFound):
		return CodeOTPExpired
	case errors.Is(err, ErrOTPLocked):
		return CodeOTPLocked
	case errors.Is(err, ErrOTPMismatch):
		return CodeOTPMismatch
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrAlreadyBound):
		return CodeAlreadyBound
	case errors.Is(err, ErrUnknownTopic):
		return CodeUnknownTopic
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	case errors.As(err, &storeErr):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// KindOf buckets an error for logging and the wire error_type field.
func KindOf(err error) string {
	switch CodeOf(err) {
	case CodeValidation:
		return "validation"
	case CodeRateLimited:
		return "rate_limit"
	case CodeSessionNotFound, CodeSessionExpired, CodeOTPExpired, CodeOTPLocked, CodeOTPMismatch, CodeAuthRequired:
		return "auth"
	case CodeAlreadyBound, CodeUnknownTopic, CodeUserNotFound:
		return "state"
	case CodeStoreUnavailable:
		return "store"
	default:
		return "internal"
	}
}
