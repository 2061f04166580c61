// Package errors defines the error taxonomy for docsync API and
// connection failures.
package errors

import (
	"errors"
	"fmt"
)

// Auth errors.
var (
	// ErrUnauthenticated means no session is active; the call was
	// rejected before any network traffic.
	ErrUnauthenticated = errors.New("no active session")

	// ErrUnauthorized means a request still returned 401 after a
	// forced token refresh.
	ErrUnauthorized = errors.New("unauthorized after token refresh")

	// ErrInvalidCredentials means the token exchange rejected the
	// configured email or password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Transport/connection errors.
var (
	// ErrNetwork means the request never completed at the transport
	// level. Wrapped around the underlying error.
	ErrNetwork = errors.New("network request failed")

	// ErrConnectionExhausted means the push channel gave up after the
	// maximum number of reconnect attempts.
	ErrConnectionExhausted = errors.New("reconnect attempts exhausted")
)

// APIError is a non-2xx response from the backend, carrying the server
// detail when the body was readable.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error: status %d", e.StatusCode)
	}

	return fmt.Sprintf("API error: status %d: %s", e.StatusCode, e.Body)
}

// Network wraps a transport-level failure so callers can match it with
// errors.Is(err, ErrNetwork) while keeping the cause in the chain.
func Network(err error) error {
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
