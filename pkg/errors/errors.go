package errors

import (
	"errors"
	"fmt"
	"net/http"

	"streamcast/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeAuthRejected      ErrorCode = "AUTH_REJECTED"
	ErrCodeSessionConflict   ErrorCode = "SESSION_CONFLICT"
	ErrCodePeerGone          ErrorCode = "PEER_GONE"
	ErrCodeInvalidTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeBackpressure      ErrorCode = "BACKPRESSURE"
	ErrCodeStaleConnection   ErrorCode = "STALE_CONNECTION"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit         ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
	}
}

// Common error constructors
func NewAuthRejectedError(message string) *AppError {
	return NewAppError(ErrCodeAuthRejected, message, http.StatusUnauthorized)
}

func NewSessionConflictError(streamID string) *AppError {
	return NewAppError(ErrCodeSessionConflict,
		fmt.Sprintf("stream %s already has a live broadcaster", streamID), http.StatusConflict)
}

func NewPeerGoneError(target string) *AppError {
	return NewAppError(ErrCodePeerGone,
		fmt.Sprintf("peer %s is no longer connected", target), http.StatusGone)
}

func NewInvalidTransitionError(message string) *AppError {
	return NewAppError(ErrCodeInvalidTransition, message, http.StatusBadRequest)
}

func NewBackpressureError() *AppError {
	return NewAppError(ErrCodeBackpressure, "outbound queue full, retry later", http.StatusServiceUnavailable)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps domain sentinel errors onto the wire taxonomy.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAuthRejected):
		return WrapError(err, ErrCodeAuthRejected, "authentication rejected", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrSessionConflict):
		return WrapError(err, ErrCodeSessionConflict, "broadcaster already active", http.StatusConflict)
	case errors.Is(err, domain.ErrUnknownPeer):
		return WrapError(err, ErrCodePeerGone, "target peer is gone", http.StatusGone)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return WrapError(err, ErrCodeInvalidTransition, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrBackpressure):
		return WrapError(err, ErrCodeBackpressure, "outbound queue full", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrStaleConnection):
		return WrapError(err, ErrCodeStaleConnection, "connection timed out", http.StatusGone)
	case errors.Is(err, domain.ErrStreamNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrConnectionNotFound),
		errors.Is(err, domain.ErrMessageNotFound):
		return WrapError(err, ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNotMessageAuthor):
		return WrapError(err, ErrCodeForbidden, err.Error(), http.StatusForbidden)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
