package rest

import (
	"errors"
	"fmt"
)

// APIError is a failure reported by the backend, either as a non-2xx
// status or as an "error" field in the response envelope. Callers can
// use errors.As to extract it:
//
//	var apiErr *rest.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Message is the human-readable description from the backend.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest: %s (%d)", e.Message, e.StatusCode)
}

// Message returns the backend-provided description of err when err
// wraps an *APIError, and err.Error() otherwise.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
