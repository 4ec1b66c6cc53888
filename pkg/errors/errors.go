package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the closed classification every failure is normalized into at the
// boundary. Downstream logic switches on this enum, never on raw payloads.
type Kind string

const (
	KindNetworkUnavailable Kind = "network_unavailable"
	KindAuthExpired        Kind = "auth_expired"
	KindAuthInvalid        Kind = "auth_invalid"
	KindValidationFailed   Kind = "validation_failed"
	KindServerError        Kind = "server_error"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindTimeout            Kind = "timeout"
	KindConflictDetected   Kind = "conflict_detected"
)

// AppError represents an application error with context
type AppError struct {
	Kind        Kind              `json:"kind"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Details     map[string]string `json:"details,omitempty"`
	RemoteState json.RawMessage   `json:"remote_state,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Cause       error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new application error
func New(kind Kind, code, message string) *AppError {
	return &AppError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRemoteState attaches the remote object that rejected the operation.
// Only meaningful for conflict errors; the resolver receives it verbatim.
func (e *AppError) WithRemoteState(state json.RawMessage) *AppError {
	e.RemoteState = state
	return e
}

// Common error constructors
func NewNetworkUnavailable(message string) *AppError {
	return New(KindNetworkUnavailable, "NETWORK_UNAVAILABLE", message)
}

func NewAuthExpired(message string) *AppError {
	return New(KindAuthExpired, "AUTH_EXPIRED", message)
}

func NewAuthInvalid(message string) *AppError {
	return New(KindAuthInvalid, "AUTH_INVALID", message)
}

func NewValidationFailed(message string) *AppError {
	return New(KindValidationFailed, "VALIDATION_FAILED", message)
}

func NewServerError(message string) *AppError {
	return New(KindServerError, "SERVER_ERROR", message)
}

func NewStorageUnavailable(message string) *AppError {
	return New(KindStorageUnavailable, "STORAGE_UNAVAILABLE", message)
}

func NewTimeout(operation string) *AppError {
	return New(KindTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewConflictDetected(message string) *AppError {
	return New(KindConflictDetected, "CONFLICT_DETECTED", message)
}

// IsKind checks if the error is of a specific kind
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetKind returns the error kind, classifying foreign errors first.
func GetKind(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return Classify(err).Kind
}

// IsRetryable reports whether an error may be retried automatically.
// Validation, auth and conflict failures are never retried here; auth expiry
// has its own refresh-then-retry path in the recovery policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch GetKind(err) {
	case KindNetworkUnavailable, KindServerError, KindTimeout:
		return true
	default:
		return false
	}
}

// Classify normalizes an arbitrary error into the closed taxonomy. Transport
// errors from the data backend and identity provider pass through here exactly
// once, at the boundary.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewTimeout("operation").WithCause(err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeout("network call").WithCause(err)
		}
		return NewNetworkUnavailable(err.Error()).WithCause(err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"):
		return NewNetworkUnavailable(err.Error()).WithCause(err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return NewTimeout("operation").WithCause(err)
	}
	return NewServerError(err.Error()).WithCause(err)
}

// FromStatusCode maps an HTTP status code from a backend response into the
// taxonomy. 401 means the access token no longer works; 403 means the
// credentials themselves are rejected.
func FromStatusCode(status int, message string) *AppError {
	switch {
	case status == 401:
		return NewAuthExpired(message)
	case status == 403:
		return NewAuthInvalid(message)
	case status == 409:
		return NewConflictDetected(message)
	case status == 400 || status == 422:
		return NewValidationFailed(message)
	case status == 408:
		return NewTimeout(message)
	default:
		return NewServerError(message).WithDetail("status", fmt.Sprintf("%d", status))
	}
}
