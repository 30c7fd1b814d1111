// Package agent supervises the out-of-process signing engine: it launches
// the engine, probes its health, restarts it within a budget and exposes a
// concurrent Sign call for the signature service.
package agent

import (
	"errors"
	"fmt"
	"time"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateHealthy
	StateDegraded
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrCrashed reports an engine process that exited while the supervisor
	// expected it to be running.
	ErrCrashed = errors.New("signing engine exited unexpectedly")
	// ErrEngineClosed is returned for calls pending on, or issued to, an
	// engine whose connection has gone away.
	ErrEngineClosed = errors.New("signing engine connection closed")
	// ErrEngineRejected is returned when the engine answers with success=false.
	ErrEngineRejected = errors.New("signing engine rejected request")
	// ErrVersion reports an engine whose version fails the configured constraint.
	ErrVersion = errors.New("incompatible signing engine version")
)

// LaunchError reports a failure to start the engine process.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("launch signing engine: %v", e.Err)
	}
	return fmt.Sprintf("launch signing engine %q: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Status is a point-in-time view of the supervisor for health endpoints.
type Status struct {
	State           string     `json:"state"`
	Healthy         bool       `json:"healthy"`
	PID             int        `json:"pid,omitempty"`
	Version         string     `json:"version,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Restarts        int        `json:"restarts"`
	BudgetExhausted bool       `json:"budget_exhausted"`
	LastError       string     `json:"last_error,omitempty"`
}
