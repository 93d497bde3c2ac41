package remote

import (
	"fmt"
	"net/http"

	"github.com/and161185/gophsync/internal/errs"
)

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Message    string
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(statusCode int, method, url, message string) error {
	return &HTTPError{StatusCode: statusCode, Method: method, URL: url, Message: message}
}

// Error returns the error message.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s %s: %s", e.StatusCode, e.Method, e.URL, e.Message)
}

// Unwrap maps the status code onto the sync error taxonomy.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrUnauthorized
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusConflict:
		return errs.ErrConflict
	default:
		return errs.ErrServerError
	}
}
