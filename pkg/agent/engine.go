package agent

import (
	"context"
	"encoding/json"
)

// SignRequest is the engine-facing form of a signature request. URI keeps the
// query string; the engine splits it.
type SignRequest struct {
	Method  string
	URI     string
	Cookies map[string]string
	Payload json.RawMessage
}

// Engine is a running signing engine instance. Sign and Ping are safe for
// concurrent use.
type Engine interface {
	Sign(ctx context.Context, req *SignRequest) (map[string]string, error)
	// Ping returns the engine version, which may be empty.
	Ping(ctx context.Context) (string, error)
	// Exited is closed once the engine is gone.
	Exited() <-chan struct{}
	// Stop asks the engine to exit and forces it when ctx is done. It
	// returns after the engine is gone.
	Stop(ctx context.Context) error
	PID() int
}

// Launcher starts engine instances.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Engine, error)

func (f LauncherFunc) Launch(ctx context.Context) (Engine, error) { return f(ctx) }

// transport carries sign and ping calls to one engine instance.
type transport interface {
	sign(ctx context.Context, req *SignRequest) (map[string]string, error)
	ping(ctx context.Context) (string, error)
	close() error
}
