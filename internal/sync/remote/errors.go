package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vetpulse/vetsync/internal/models"
)

// Sentinel errors for programmatic handling.
var (
	ErrNetworkFailure = errors.New("network failure")
	ErrServerError    = errors.New("server error")
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("version conflict")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRejected       = errors.New("request rejected")
	ErrBadResponse    = errors.New("malformed response")
)

// APIError is a non-2xx answer from the host API.
type APIError struct {
	Op      string // "list", "get", "create", "update", "delete"
	Status  int
	Message string
	// Current is the server's record when it answered 409 with one.
	Current *models.RemoteRecord
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RetryError wraps the last error of an exhausted retry loop.
type RetryError struct {
	Op      string
	Err     error
	Retries int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Retries, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

func classify(status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return ErrConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrServerError
	default:
		return ErrRejected
	}
}

// IsTransport reports whether err is a transport-level failure rather than
// a definitive answer about the record.
func IsTransport(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict)
}
