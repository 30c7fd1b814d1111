// Package observability exports the gateway's traces and metrics over OTLP.
//
// Besides a span and a duration sample per operation, the gateway records a
// few domain events: which tier served each signature, how each upstream call
// ended, every restart decision of the engine supervisor, and the engine's
// lifecycle state as an observable gauge.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/1195214305/xhs-backend"

// Attribute keys shared by the gateway's instruments.
const (
	AttrOperation = attribute.Key("gateway.operation")
	AttrOutcome   = attribute.Key("gateway.outcome")
	AttrSource    = attribute.Key("signature.source")
	AttrState     = attribute.Key("engine.state")
)

// Signature sources. SourceUnavailable counts requests neither tier could sign.
const (
	SourceEngine      = "engine"
	SourceFallback    = "fallback"
	SourceUnavailable = "unavailable"
)

// Upstream call outcomes.
const (
	UpstreamOK       = "ok"
	UpstreamBusiness = "business_error"
	UpstreamNetwork  = "network_error"
	UpstreamSigning  = "signing_failed"
	UpstreamOther    = "error"
)

// Restart decisions.
const (
	RestartScheduled = "scheduled"
	RestartExhausted = "budget_exhausted"
)

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC host:port
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "xhs-gateway",
		ServiceVersion: "0.3.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

type instruments struct {
	duration    metric.Float64Histogram
	signatures  metric.Int64Counter
	upstream    metric.Int64Counter
	restarts    metric.Int64Counter
	engineState metric.Int64ObservableGauge
}

// Provider records the gateway's telemetry. The zero-cost Noop provider is
// used when export is disabled; every method is safe on it.
type Provider struct {
	tracer   trace.Tracer
	meter    metric.Meter
	inst     *instruments
	logger   *slog.Logger
	shutdown []func(context.Context) error
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return &Provider{
		tracer: otel.Tracer(scope),
		logger: slog.Default().With("component", "observability"),
	}
}

// New dials the OTLP collector and installs global trace and meter
// providers. A nil or disabled config yields Noop.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := FromProviders(tp, mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

// FromProviders builds a Provider on existing trace and meter providers. The
// caller keeps ownership of both.
func FromProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		tracer: tp.Tracer(scope),
		meter:  mp.Meter(scope),
		logger: slog.Default().With("component", "observability"),
	}
	inst, err := newInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	p.inst = inst
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs []error
		err  error
	)
	in.duration, err = m.Float64Histogram("gateway.operation.duration",
		metric.WithDescription("Duration of signing, upstream and engine launch operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	errs = append(errs, err)
	in.signatures, err = m.Int64Counter("gateway.signatures",
		metric.WithDescription("Signature requests by the tier that answered them"),
		metric.WithUnit("{signature}"),
	)
	errs = append(errs, err)
	in.upstream, err = m.Int64Counter("gateway.upstream.calls",
		metric.WithDescription("Platform API calls by outcome"),
		metric.WithUnit("{call}"),
	)
	errs = append(errs, err)
	in.restarts, err = m.Int64Counter("gateway.engine.restarts",
		metric.WithDescription("Engine restart decisions"),
		metric.WithUnit("{restart}"),
	)
	errs = append(errs, err)
	in.engineState, err = m.Int64ObservableGauge("gateway.engine.healthy",
		metric.WithDescription("1 while the signing engine is healthy, labelled with its lifecycle state"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Shutdown flushes and stops the providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Operation opens a span named op and returns the function that ends it. The
// end function records the duration under op with an ok or error outcome.
func (p *Provider) Operation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if p.inst == nil {
			return
		}
		all := append(slices.Clip(attrs), AttrOperation.String(op), AttrOutcome.String(outcome))
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(all...))
	}
}

// SignatureServed counts one signature request against the tier that served
// it, or SourceUnavailable.
func (p *Provider) SignatureServed(ctx context.Context, source string) {
	trace.SpanFromContext(ctx).SetAttributes(AttrSource.String(source))
	if p.inst == nil {
		return
	}
	p.inst.signatures.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source)))
}

// UpstreamCompleted counts one platform call by outcome.
func (p *Provider) UpstreamCompleted(ctx context.Context, outcome string, attempts int) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrOutcome.String(outcome),
		attribute.Int("upstream.attempts", attempts),
	)
	if p.inst == nil {
		return
	}
	p.inst.upstream.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// EngineRestart counts a restart decision of the supervisor.
func (p *Provider) EngineRestart(ctx context.Context, decision string) {
	if p.inst == nil {
		return
	}
	p.inst.restarts.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(decision)))
}

// ObserveEngineState reports the engine's lifecycle state on every collection
// through fn. The returned function unregisters it.
func (p *Provider) ObserveEngineState(fn func() (state string, healthy bool)) (func() error, error) {
	if p.inst == nil {
		return func() error { return nil }, nil
	}
	gauge := p.inst.engineState
	reg, err := p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		state, healthy := fn()
		var v int64
		if healthy {
			v = 1
		}
		o.ObserveInt64(gauge, v, metric.WithAttributes(AttrState.String(state)))
		return nil
	}, gauge)
	if err != nil {
		return nil, fmt.Errorf("register engine state callback: %w", err)
	}
	return reg.Unregister, nil
}
