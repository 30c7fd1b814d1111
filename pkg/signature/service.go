package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/1195214305/xhs-backend/pkg/fallback"
	"github.com/1195214305/xhs-backend/pkg/observability"
)

// Engine is the live signing backend, normally the agent supervisor.
type Engine interface {
	// Healthy is a non-blocking status read.
	Healthy() bool
	Sign(ctx context.Context, req *Request) (Headers, error)
}

// Options configures a Service. Zero values pick defaults.
type Options struct {
	Timeout       time.Duration // default per-call signing timeout
	FallbackTTL   time.Duration
	Fingerprinter *Fingerprinter
	Clock         func() time.Time
	Logger        *slog.Logger
	Observability *observability.Provider
}

// tier is one stage of the resolution chain. The first tier that returns a
// result wins.
type tier struct {
	name    string
	resolve func(ctx context.Context, req *Request, key string, timeout time.Duration) (*Result, error)
}

// Service resolves signature headers through the engine tier, then the
// fallback tier.
type Service struct {
	engine  Engine
	cache   fallback.Store
	timeout time.Duration
	ttl     time.Duration
	fp      *Fingerprinter
	now     func() time.Time
	logger  *slog.Logger
	obs     *observability.Provider
	tiers   []tier
}

// NewService creates a Service. engine and cache may be nil, in which case
// the corresponding tier always fails.
func NewService(engine Engine, cache fallback.Store, opts Options) *Service {
	s := &Service{
		engine:  engine,
		cache:   cache,
		timeout: opts.Timeout,
		ttl:     opts.FallbackTTL,
		fp:      opts.Fingerprinter,
		now:     opts.Clock,
		logger:  opts.Logger,
		obs:     opts.Observability,
	}
	if s.timeout <= 0 {
		s.timeout = 3 * time.Second
	}
	if s.ttl <= 0 {
		s.ttl = 10 * time.Minute
	}
	if s.fp == nil {
		s.fp = NewFingerprinter()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "signature")
	if s.obs == nil {
		s.obs = observability.Noop()
	}
	s.tiers = []tier{
		{name: string(SourceEngine), resolve: s.fromEngine},
		{name: string(SourceFallback), resolve: s.fromFallback},
	}
	return s
}

// Sign returns a complete header set for req. timeout bounds the engine call;
// zero uses the service default. The call never blocks longer than timeout
// plus one fallback lookup.
func (s *Service) Sign(ctx context.Context, req *Request, timeout time.Duration) (res *Result, err error) {
	if timeout <= 0 {
		timeout = s.timeout
	}

	ctx, done := s.obs.Operation(ctx, "signature.sign",
		attribute.String("path", req.PathOnly()),
	)
	defer func() { done(err) }()

	key, fpErr := s.fp.Key(req)
	if fpErr != nil {
		// Engine signing still works; only caching is lost.
		s.logger.WarnContext(ctx, "fingerprint failed", "request_id", req.ID, "error", fpErr)
	}

	causes := make([]error, 0, len(s.tiers))
	for _, t := range s.tiers {
		res, err := t.resolve(ctx, req, key, timeout)
		if err == nil {
			if t.name != string(SourceEngine) {
				s.logger.InfoContext(ctx, "served signature from fallback",
					"request_id", req.ID, "path", req.PathOnly(), "cause", causes)
			}
			s.obs.SignatureServed(ctx, string(res.Source))
			return res, nil
		}
		causes = append(causes, fmt.Errorf("%s: %w", t.name, err))
	}

	s.obs.SignatureServed(ctx, observability.SourceUnavailable)
	s.logger.WarnContext(ctx, "signature unavailable", "request_id", req.ID, "path", req.PathOnly(), "causes", causes)
	return nil, &UnavailableError{RequestID: req.ID, Path: req.PathOnly(), Causes: causes}
}

func (s *Service) fromEngine(ctx context.Context, req *Request, key string, timeout time.Duration) (*Result, error) {
	if s.engine == nil || !s.engine.Healthy() {
		return nil, ErrEngineUnavailable
	}

	signCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headers, err := s.engine.Sign(signCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(signCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, err
	}
	if missing := headers.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	headers = withTraceIDs(headers)

	now := s.now()
	res := &Result{
		RequestID: req.ID,
		Headers:   headers,
		Source:    SourceEngine,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	if key != "" && s.cache != nil {
		entry := &fallback.Entry{Headers: headers.Clone(), StoredAt: now, ExpiresAt: res.ExpiresAt}
		if err := s.cache.Put(ctx, key, entry); err != nil {
			s.logger.WarnContext(ctx, "fallback refresh failed", "request_id", req.ID, "error", err)
		}
	}
	return res, nil
}

func (s *Service) fromFallback(ctx context.Context, req *Request, key string, timeout time.Duration) (*Result, error) {
	if key == "" || s.cache == nil {
		return nil, ErrNoFallback
	}

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	entry, ok, err := s.cache.Get(lookupCtx, key, s.now())
	if err != nil {
		return nil, fmt.Errorf("fallback lookup: %w", err)
	}
	if !ok {
		return nil, ErrNoFallback
	}

	headers := Headers(entry.Headers)
	if !headers.Complete() {
		return nil, fmt.Errorf("%w: cached entry", ErrIncomplete)
	}
	return &Result{
		RequestID: req.ID,
		Headers:   headers.Clone(),
		Source:    SourceFallback,
		IssuedAt:  entry.StoredAt,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

// withTraceIDs fills the optional trace headers when the engine left them
// out so every result carries the same header names.
func withTraceIDs(h Headers) Headers {
	out := h.Clone()
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if out[HeaderB3TraceID] == "" {
		out[HeaderB3TraceID] = id[:16]
	}
	if out[HeaderXrayTraceID] == "" {
		out[HeaderXrayTraceID] = id
	}
	return out
}
