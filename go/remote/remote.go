// Package remote classifies failures of outbound Todoist and Notion calls so
// callers can tell transient faults, worth a retry or a redelivery, from
// permanent rejections that will fail the same way every time.
package remote

import (
	"errors"
	"fmt"
	"net/http"

	"go.skia.org/infra/go/skerr"
)

// StatusError is a non-2xx response from a remote API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Transient reports whether the given HTTP status is worth retrying.
func Transient(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		statusCode >= 500
}

// Permanent reports whether err carries a remote rejection that cannot succeed
// on retry, however deeply wrapped.
func Permanent(err error) bool {
	for err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return !Transient(statusErr.StatusCode)
		}
		unwrapped := skerr.Unwrap(err)
		if unwrapped == err {
			return false
		}
		err = unwrapped
	}
	return false
}
