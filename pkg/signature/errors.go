package signature

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means neither the engine nor a fresh fallback entry
	// could satisfy the request.
	ErrUnavailable = errors.New("signature unavailable")
	// ErrTimeout means the engine did not answer within the signing timeout.
	ErrTimeout = errors.New("signing timed out")
	// ErrEngineUnavailable means the supervisor does not report a healthy engine.
	ErrEngineUnavailable = errors.New("signing engine not healthy")
	// ErrIncomplete means the engine answered without every required header.
	ErrIncomplete = errors.New("incomplete signature header set")
	// ErrNoFallback means no fresh fallback entry exists for the fingerprint.
	ErrNoFallback = errors.New("no fresh fallback entry")
)

// UnavailableError reports a failed Sign call with the cause from each tier.
// It matches ErrUnavailable and, through Unwrap, every tier cause.
type UnavailableError struct {
	RequestID uint64
	Path      string
	Causes    []error
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("signature unavailable for request %d (%s): %s", e.RequestID, e.Path, strings.Join(parts, "; "))
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() []error {
	return e.Causes
}
