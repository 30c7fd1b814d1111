package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/1195214305/xhs-backend/pkg/observability"
	"github.com/1195214305/xhs-backend/pkg/retry"
	"github.com/1195214305/xhs-backend/pkg/signature"
)

// Options configures a Supervisor. Zero values pick defaults.
type Options struct {
	Launcher       Launcher
	ProbeTimeout   time.Duration
	HealthInterval time.Duration
	ProbeFailures  int
	StopGrace      time.Duration
	MaxRestarts    int
	RestartWindow  time.Duration
	Backoff        retry.Policy
	// MinVersion is a semver constraint such as ">= 1.2.0". Engines that
	// report no version are accepted.
	MinVersion    string
	Logger        *slog.Logger
	Observability *observability.Provider
}

func (o *Options) withDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 15 * time.Second
	}
	if o.ProbeFailures <= 0 {
		o.ProbeFailures = 2
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 5 * time.Minute
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 500 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observability == nil {
		o.Observability = observability.Noop()
	}
}

// agentProcess is the supervisor's record of the running engine.
type agentProcess struct {
	engine    Engine
	startedAt time.Time
	failures  atomic.Int32
}

// Supervisor owns the signing engine lifecycle. Start, Stop and restarts are
// serialized; Healthy and State are lock-free.
type Supervisor struct {
	opts       Options
	logger     *slog.Logger
	constraint *semver.Constraints

	lifecycle sync.Mutex
	state     atomic.Int32
	active    atomic.Pointer[agentProcess]

	mu           sync.Mutex
	budget       *rate.Limiter
	attempt      int
	exhausted    bool
	restarts     int
	restartTimer *time.Timer
	generation   uint64
	version      string
	lastErr      string
	healthCancel context.CancelFunc
	healthDone   chan struct{}
	launchCancel context.CancelFunc
	stopPending  bool
}

// NewSupervisor validates opts and returns a stopped supervisor.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, errors.New("agent: launcher is required")
	}
	opts.withDefaults()

	s := &Supervisor{
		opts:   opts,
		logger: opts.Logger.With("component", "agent"),
	}
	if opts.MinVersion != "" {
		c, err := semver.NewConstraint(opts.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("agent: invalid version constraint %q: %w", opts.MinVersion, err)
		}
		s.constraint = c
	}
	s.budget = s.newBudget()
	s.state.Store(int32(StateStopped))

	if _, err := opts.Observability.ObserveEngineState(func() (string, bool) {
		st := s.State()
		return st.String(), st == StateHealthy
	}); err != nil {
		s.logger.Warn("engine state gauge unavailable", "error", err)
	}
	return s, nil
}

func (s *Supervisor) newBudget() *rate.Limiter {
	if s.opts.MaxRestarts == 0 {
		return rate.NewLimiter(0, 0)
	}
	every := s.opts.RestartWindow / time.Duration(s.opts.MaxRestarts)
	return rate.NewLimiter(rate.Every(every), s.opts.MaxRestarts)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Healthy reports whether the engine can take signing calls.
func (s *Supervisor) Healthy() bool { return s.State() == StateHealthy }

func (s *Supervisor) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Info("state change", "from", prev.String(), "to", next.String())
	}
}

func (s *Supervisor) casState(from, to State) bool {
	if s.state.CompareAndSwap(int32(from), int32(to)) {
		s.logger.Info("state change", "from", from.String(), "to", to.String())
		return true
	}
	return false
}

// Start launches the engine and waits for it to answer a probe. It resets the
// restart budget. A launch failure returns *LaunchError; an engine that
// launches but never becomes ready leaves the supervisor Degraded with a
// restart scheduled and returns nil.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateHealthy && s.active.Load() != nil {
		return nil
	}

	s.mu.Lock()
	s.cancelRestartLocked()
	s.budget = s.newBudget()
	s.attempt = 0
	s.exhausted = false
	s.mu.Unlock()

	s.stopHealthLoop()
	if err := s.stopActive(ctx); err != nil {
		s.logger.WarnContext(ctx, "stop previous engine", "error", err)
	}
	return s.launch(ctx)
}

// launch must be called with the lifecycle lock held.
func (s *Supervisor) launch(ctx context.Context) (err error) {
	// Stop cancels an in-progress launch instead of waiting out ProbeTimeout.
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.launchCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.launchCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	var attrs []attribute.KeyValue
	if el, ok := s.opts.Launcher.(*ExecLauncher); ok {
		attrs = append(attrs, attribute.String("engine.protocol", el.protocol()))
	}
	ctx, done := s.opts.Observability.Operation(ctx, "engine.launch", attrs...)
	defer func() { done(err) }()

	s.setState(StateStarting)

	eng, launchErr := s.opts.Launcher.Launch(ctx)
	if launchErr != nil {
		lerr := &LaunchError{Err: launchErr}
		if el, ok := s.opts.Launcher.(*ExecLauncher); ok {
			lerr.Path = el.Path
		}
		s.logger.ErrorContext(ctx, "engine launch failed", "error", launchErr)
		s.recordError(lerr)
		s.setState(StateDegraded)
		s.scheduleRestart()
		return lerr
	}

	p := &agentProcess{engine: eng, startedAt: time.Now()}
	s.active.Store(p)
	go s.watch(p)

	version, readyErr := s.waitReady(ctx, p)
	if readyErr != nil {
		s.logger.WarnContext(ctx, "engine not ready", "pid", eng.PID(), "error", readyErr)
		s.recordError(readyErr)
		if err := s.stopActive(ctx); err != nil {
			s.logger.WarnContext(ctx, "stop unready engine", "error", err)
		}
		s.setState(StateDegraded)
		s.scheduleRestart()
		return nil
	}

	s.mu.Lock()
	s.attempt = 0
	s.version = version
	s.lastErr = ""
	s.mu.Unlock()

	s.setState(StateHealthy)
	s.startHealthLoop(p)
	s.logger.InfoContext(ctx, "engine ready", "pid", eng.PID(), "version", version)
	return nil
}

// waitReady polls the engine until it answers a ping or ProbeTimeout passes.
func (s *Supervisor) waitReady(ctx context.Context, p *agentProcess) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	var lastErr error
	for {
		version, err := p.engine.Ping(rctx)
		if err == nil {
			if verr := s.checkVersion(version); verr != nil {
				return "", verr
			}
			return version, nil
		}
		lastErr = err

		select {
		case <-rctx.Done():
			if err := ctx.Err(); err != nil {
				return "", fmt.Errorf("launch interrupted: %w", err)
			}
			return "", fmt.Errorf("not ready within %s: %w", s.opts.ProbeTimeout, lastErr)
		case <-p.engine.Exited():
			return "", ErrCrashed
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Supervisor) checkVersion(version string) error {
	if s.constraint == nil || version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersion, version, err)
	}
	if !s.constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersion, version, s.opts.MinVersion)
	}
	return nil
}

// watch waits for p to exit and treats an exit of the active engine as a
// crash.
func (s *Supervisor) watch(p *agentProcess) {
	<-p.engine.Exited()
	s.handleCrash(p)
}

// handleCrash moves a running supervisor to Degraded and schedules a restart.
// The transition and the restart are made under mu so a concurrent Stop either
// sees the timer and cancels it or makes the transition fail.
func (s *Supervisor) handleCrash(p *agentProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() != p {
		return
	}
	if !s.casState(StateHealthy, StateDegraded) && !s.casState(StateStarting, StateDegraded) {
		return
	}
	s.logger.Error("engine crashed", "pid", p.engine.PID(), "error", ErrCrashed)
	s.lastErr = ErrCrashed.Error()
	s.scheduleRestartLocked()
}

// scheduleRestart arms a single restart timer if the budget allows one.
func (s *Supervisor) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleRestartLocked()
}

func (s *Supervisor) scheduleRestartLocked() {
	if s.restartTimer != nil || s.exhausted || s.stopPending {
		return
	}
	if s.State() != StateDegraded {
		return
	}
	if !s.budget.Allow() {
		s.exhausted = true
		s.opts.Observability.EngineRestart(context.Background(), observability.RestartExhausted)
		s.logger.Error("restart budget exhausted, staying degraded",
			"max_restarts", s.opts.MaxRestarts, "window", s.opts.RestartWindow)
		return
	}

	delay := s.opts.Backoff.Delay("agent-restart", s.attempt)
	s.attempt++
	gen := s.generation
	s.opts.Observability.EngineRestart(context.Background(), observability.RestartScheduled)
	s.logger.Info("restart scheduled", "delay", delay, "attempt", s.attempt)
	s.restartTimer = time.AfterFunc(delay, func() { s.restart(gen) })
}

func (s *Supervisor) cancelRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.generation++
}

func (s *Supervisor) restart(gen uint64) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.restartTimer = nil
	s.restarts++
	s.mu.Unlock()

	switch s.State() {
	case StateStopping, StateStopped:
		return
	}

	ctx := context.Background()
	s.stopHealthLoop()
	if err := s.stopActive(ctx); err != nil {
		s.logger.Warn("stop engine before restart", "error", err)
	}
	// Failures are logged and rescheduled inside launch.
	_ = s.launch(ctx)
}

func (s *Supervisor) startHealthLoop(p *agentProcess) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.healthCancel = cancel
	s.healthDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.engine.Exited():
				return
			case <-ticker.C:
				s.probe(ctx, p)
			}
		}
	}()
}

func (s *Supervisor) stopHealthLoop() {
	s.mu.Lock()
	cancel, done := s.healthCancel, s.healthDone
	s.healthCancel, s.healthDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Supervisor) probe(ctx context.Context, p *agentProcess) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	version, err := p.engine.Ping(pctx)
	if err == nil {
		err = s.checkVersion(version)
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		n := int(p.failures.Add(1))
		s.logger.Warn("health probe failed", "pid", p.engine.PID(), "consecutive", n, "error", err)
		if n >= s.opts.ProbeFailures && s.casState(StateHealthy, StateDegraded) {
			s.recordError(err)
			s.scheduleRestart()
		}
		return
	}

	p.failures.Store(0)
	if s.casState(StateDegraded, StateHealthy) {
		s.mu.Lock()
		s.cancelRestartLocked()
		s.version = version
		s.mu.Unlock()
		s.logger.Info("engine recovered", "pid", p.engine.PID())
	}
}

// stopActive stops the active engine, waiting up to StopGrace before the
// engine is killed. Must be called with the lifecycle lock held.
func (s *Supervisor) stopActive(ctx context.Context) error {
	p := s.active.Swap(nil)
	if p == nil {
		return nil
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopGrace)
	defer cancel()
	return p.engine.Stop(gctx)
}

// Stop shuts the engine down. It is idempotent and always leaves the
// supervisor Stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	// Claimed before the lifecycle lock: no restart is armed from here on and
	// a launch in progress gives up.
	s.mu.Lock()
	s.stopPending = true
	s.cancelRestartLocked()
	if s.launchCancel != nil {
		s.launchCancel()
	}
	s.mu.Unlock()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	defer func() {
		s.mu.Lock()
		s.stopPending = false
		s.mu.Unlock()
	}()

	if s.State() == StateStopped && s.active.Load() == nil {
		s.mu.Lock()
		s.cancelRestartLocked()
		s.mu.Unlock()
		return nil
	}

	s.setState(StateStopping)

	s.mu.Lock()
	s.cancelRestartLocked()
	s.mu.Unlock()

	s.stopHealthLoop()
	err := s.stopActive(ctx)
	s.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("stop signing engine: %w", err)
	}
	return nil
}

// Sign forwards req to the engine. It fails fast with
// signature.ErrEngineUnavailable unless the supervisor is Healthy.
func (s *Supervisor) Sign(ctx context.Context, req *signature.Request) (signature.Headers, error) {
	if !s.Healthy() {
		return nil, signature.ErrEngineUnavailable
	}
	p := s.active.Load()
	if p == nil {
		return nil, signature.ErrEngineUnavailable
	}

	headers, err := p.engine.Sign(ctx, &SignRequest{
		Method:  req.Method,
		URI:     req.Path,
		Cookies: req.Cookies,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, err
	}
	return signature.Headers(headers), nil
}

// Status returns a snapshot for health reporting.
func (s *Supervisor) Status() Status {
	st := s.State()
	out := Status{State: st.String(), Healthy: st == StateHealthy}
	if p := s.active.Load(); p != nil {
		out.PID = p.engine.PID()
		started := p.startedAt
		out.StartedAt = &started
	}

	s.mu.Lock()
	out.Version = s.version
	out.Restarts = s.restarts
	out.BudgetExhausted = s.exhausted
	out.LastError = s.lastErr
	s.mu.Unlock()
	return out
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

var _ signature.Engine = (*Supervisor)(nil)
