package issuesync

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

// HTTPError is a non-2xx response from an outbound call. RetryAfter carries
// the server-provided wait hint, when present.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// AuthError is a credential or secret failure. Never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// ValidationError is a malformed inbound document or missing required field.
// Never retried; surfaced as a client error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}
