package client

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope means a 2xx response body was not a platform envelope.
var ErrMalformedEnvelope = errors.New("malformed response envelope")

// BusinessError is a non-success envelope returned by the platform. It is
// never retried.
type BusinessError struct {
	Code       int
	Msg        string
	HTTPStatus int
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Msg)
}

// NetworkError is a transport failure, timeout or 5xx response that
// persisted through every retry.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upstream unreachable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is an HTTP error response whose body is not an envelope.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}
