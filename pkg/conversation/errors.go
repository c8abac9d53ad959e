package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey    = errors.New("conversation: API key is required")
	ErrNotConnected     = errors.New("conversation: not connected")
	ErrAlreadyConnected = errors.New("conversation: already connected")

	// ErrConnectionClosed is reported through OnError when the service
	// closes the socket normally.
	ErrConnectionClosed = errors.New("conversation: connection closed")
)

// APIError is a failure reported by the service, either as an HTTP status
// on dial or as an "error" event on an open session.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Type       string
	Retryable  bool
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("conversation: API error [%s]: %s", e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("conversation: API error (HTTP %d): %s", e.StatusCode, e.Message)
	default:
		return "conversation: API error: " + e.Message
	}
}

// IsRetryable reports whether the same request may succeed later.
func (e *APIError) IsRetryable() bool { return e.Retryable }

// NewAPIError builds an APIError. 429 and 5xx are retryable.
func NewAPIError(statusCode int, code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Retryable:  statusCode == 429 || statusCode >= 500,
	}
}

// ConnectionError wraps a socket-level failure.
type ConnectionError struct {
	Reason    string
	Cause     error
	Retryable bool
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return "conversation: connection error: " + e.Reason
	}
	return fmt.Sprintf("conversation: connection error: %s: %v", e.Reason, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// IsRetryable reports whether reconnecting may help.
func (e *ConnectionError) IsRetryable() bool { return e.Retryable }

// NewConnectionError builds a ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause, Retryable: retryable}
}

// IsNotConnected reports whether err means there is no live session.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return false
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == 429 || apiErr.Code == "rate_limit_exceeded")
}

// IsQuotaExceeded reports whether err means the account is out of quota.
func IsQuotaExceeded(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.Code == "quota_exceeded" || apiErr.Code == "insufficient_quota")
}
