package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/1195214305/xhs-backend/pkg/agent"
	"github.com/1195214305/xhs-backend/pkg/api"
	"github.com/1195214305/xhs-backend/pkg/client"
	"github.com/1195214305/xhs-backend/pkg/config"
	"github.com/1195214305/xhs-backend/pkg/credentials"
	"github.com/1195214305/xhs-backend/pkg/fallback"
	"github.com/1195214305/xhs-backend/pkg/observability"
	"github.com/1195214305/xhs-backend/pkg/retry"
	"github.com/1195214305/xhs-backend/pkg/signature"
)

// gateway owns every long-lived handle of a running server.
type gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	obs        *observability.Provider
	supervisor *agent.Supervisor
	signer     *signature.Service
	client     *client.Client
	creds      *credentials.Store
	db         *sql.DB
	cache      fallback.Store
	limiter    *api.RateLimiter
	handler    http.Handler

	stopOnce sync.Once
	stopErr  error
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if !cfg.OTelEnabled {
		return observability.Noop(), nil
	}
	oc := observability.DefaultConfig()
	oc.Enabled = true
	oc.OTLPEndpoint = cfg.OTelEndpoint
	return observability.New(ctx, oc)
}

func newSupervisor(cfg *config.Config, logger *slog.Logger, obs *observability.Provider) (*agent.Supervisor, error) {
	return agent.NewSupervisor(agent.Options{
		Launcher: &agent.ExecLauncher{
			Path:     cfg.Agent.Path,
			Args:     cfg.Agent.Args,
			Protocol: cfg.Agent.Protocol,
			HTTPAddr: cfg.Agent.HTTPAddr,
			Logger:   logger.With("component", "engine"),
		},
		ProbeTimeout:   cfg.Agent.ProbeTimeout,
		HealthInterval: cfg.Agent.HealthInterval,
		ProbeFailures:  cfg.Agent.ProbeFailures,
		StopGrace:      cfg.Agent.StopGrace,
		MaxRestarts:    cfg.Agent.MaxRestarts,
		RestartWindow:  cfg.Agent.RestartWindow,
		Backoff: retry.Policy{
			Base: cfg.Agent.RestartBase,
			Max:  cfg.Agent.RestartMax,
		},
		MinVersion:    cfg.Agent.MinVersion,
		Logger:        logger,
		Observability: obs,
	})
}

// newGateway wires the gateway. Background loops it starts are bound to ctx.
func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *gateway, err error) {
	obs, err := newObservability(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	g := &gateway{cfg: cfg, logger: logger, obs: obs}

	if cfg.Signing.RedisAddr != "" {
		rs := fallback.NewRedisStore(cfg.Signing.RedisAddr, cfg.Signing.RedisPassword, cfg.Signing.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			// The fallback tier degrades to misses; signing still works.
			logger.WarnContext(ctx, "redis fallback cache unreachable", "addr", cfg.Signing.RedisAddr, "error", err)
		}
		g.cache = rs
	} else {
		ms := fallback.NewMemoryStore()
		go ms.RunSweeper(ctx, time.Minute)
		g.cache = ms
	}

	db, dialect, err := credentials.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	g.db = db
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	key := []byte(cfg.CredentialsKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate credentials key: %w", err)
		}
		logger.WarnContext(ctx, "CREDENTIALS_KEY not set; saved cookies will not be readable after restart")
	}
	g.creds, err = credentials.NewStore(db, dialect, key, credentials.WithEnvCookies(cfg.Cookies))
	if err != nil {
		return nil, err
	}
	if err := g.creds.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	g.supervisor, err = newSupervisor(cfg, logger, obs)
	if err != nil {
		return nil, err
	}

	g.signer = signature.NewService(g.supervisor, g.cache, signature.Options{
		Timeout:       cfg.Signing.Timeout,
		FallbackTTL:   cfg.Signing.FallbackTTL,
		Fingerprinter: signature.NewFingerprinter(cfg.Signing.VolatileKeys...),
		Logger:        logger,
		Observability: obs,
	})

	g.client = client.New(g.signer, g.creds, client.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		Timeout:     cfg.Upstream.RequestTimeout,
		SignTimeout: cfg.Signing.Timeout,
		Retry: retry.Policy{
			Base:        200 * time.Millisecond,
			Max:         2 * time.Second,
			MaxAttempts: cfg.Upstream.Retries,
		},
		UserAgent:     cfg.Upstream.UserAgent,
		Origin:        cfg.Upstream.Origin,
		Referer:       cfg.Upstream.Referer,
		Logger:        logger,
		Observability: obs,
	})

	if cfg.RateLimitRPS > 0 {
		g.limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2)
		go g.limiter.Cleanup(ctx, time.Minute, 3*time.Minute)
	}

	g.handler, err = api.NewRouter(api.Deps{
		Caller:      g.client,
		Credentials: g.creds,
		Agent:       g.supervisor,
		Logger:      logger,
		RateLimiter: g.limiter,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// serve starts the engine, then serves ln until ctx is done. Shutdown drains
// in-flight requests within ShutdownGrace before the engine is stopped.
func (g *gateway) serve(ctx context.Context, ln net.Listener) error {
	// A failed first launch leaves the supervisor retrying in the background;
	// requests are served from the fallback tier meanwhile.
	if err := g.supervisor.Start(ctx); err != nil {
		g.logger.WarnContext(ctx, "signing engine not available at startup", "error", err)
	}

	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		g.logger.InfoContext(ctx, "gateway listening", "addr", ln.Addr().String())
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		g.stop(context.WithoutCancel(ctx))
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down", "grace", g.cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := g.stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// stop releases the engine and storage handles. Safe to call more than once.
func (g *gateway) stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		var errs []error
		if err := g.supervisor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop engine: %w", err))
		}
		if rs, ok := g.cache.(*fallback.RedisStore); ok {
			if err := rs.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		if err := g.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		if err := g.obs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		g.stopErr = errors.Join(errs...)
	})
	return g.stopErr
}
