// Package observability provides OpenTelemetry tracing and RED metrics for
// the ledger, plus the structured logger the binary installs.
//
// The Provider satisfies ledger.Tracker and ledger.BlockRecorder: every
// append, aggregate and block creation becomes a span feeding the RED
// instruments, and each new block adds its counts and blob sizes to the
// anchoring volume instruments.
package observability

import (
	"context"
	"fmt"
	"log/slog"
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

	"github.com/blossm-network/packages/pkg/ledger"
)

const instrumentationName = "github.com/blossm-network/packages"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool // Plaintext gRPC to the collector (dev only)
}

// DefaultConfig returns defaults suitable for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ledger",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config    *Config
	tracer    trace.Tracer
	meter     metric.Meter
	logger    *slog.Logger
	shutdowns []func(context.Context) error

	// RED metrics (Rate, Errors, Duration)
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Anchoring volume
	blockHeight   metric.Int64Gauge
	anchoredItems metric.Int64Counter
	anchoredBytes metric.Int64Counter
}

// New creates a provider exporting over OTLP gRPC. A disabled config yields
// a provider backed by the global no-op implementations.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, err := p.newTracerProvider(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	mp, err := p.newMeterProvider(ctx, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.shutdowns = append(p.shutdowns, tp.Shutdown, mp.Shutdown)

	if err := p.instrument(tp, mp); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

// NewFromProviders instruments caller-owned providers. Shutdown does not
// shut them down.
func NewFromProviders(config *Config, tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.instrument(tp, mp); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) newTracerProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func (p *Provider) newMeterProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	), nil
}

func (p *Provider) instrument(tp trace.TracerProvider, mp metric.MeterProvider) error {
	p.tracer = tp.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(p.config.ServiceVersion),
	)
	p.meter = mp.Meter(instrumentationName,
		metric.WithInstrumentationVersion(p.config.ServiceVersion),
	)
	if err := p.initREDMetrics(); err != nil {
		return fmt.Errorf("failed to init RED metrics: %w", err)
	}
	if err := p.initBlockMetrics(); err != nil {
		return fmt.Errorf("failed to init block metrics: %w", err)
	}
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("ledger.operations.total",
		metric.WithDescription("Total number of ledger operations started"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("ledger.errors.total",
		metric.WithDescription("Total number of failed ledger operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("ledger.operation.duration",
		metric.WithDescription("Ledger operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("ledger.operations.active",
		metric.WithDescription("Number of ledger operations in flight"),
		metric.WithUnit("{operation}"),
	)
	return err
}

func (p *Provider) initBlockMetrics() error {
	var err error

	p.blockHeight, err = p.meter.Int64Gauge("ledger.block.height",
		metric.WithDescription("Number of the most recently created block"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return err
	}

	p.anchoredItems, err = p.meter.Int64Counter("ledger.anchored.items",
		metric.WithDescription("Events, snapshots and txs anchored into blocks"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	p.anchoredBytes, err = p.meter.Int64Counter("ledger.anchored.bytes",
		metric.WithDescription("Encoded block blob size"),
		metric.WithUnit("By"),
	)
	return err
}

// RecordBlock implements ledger.BlockRecorder.
func (p *Provider) RecordBlock(ctx context.Context, h ledger.BlockHeaders) {
	if p.blockHeight == nil {
		return
	}
	base := []attribute.KeyValue{
		attribute.String("ledger.network", h.Network),
		attribute.String("ledger.domain", h.Domain),
		attribute.String("ledger.service", h.Service),
	}
	p.blockHeight.Record(ctx, h.Number, metric.WithAttributes(base...))
	for _, c := range []struct {
		kind  ledger.ProofKind
		count int
		size  int
	}{
		{ledger.ProofEvents, h.EventCount, h.EventsByteSize},
		{ledger.ProofSnapshots, h.SnapshotCount, h.SnapshotsByteSize},
		{ledger.ProofTxs, h.TxCount, h.TxsByteSize},
	} {
		opts := metric.WithAttributes(append(base, attribute.String("kind", string(c.kind)))...)
		p.anchoredItems.Add(ctx, int64(c.count), opts)
		p.anchoredBytes.Add(ctx, int64(c.size), opts)
	}
}

// Shutdown flushes and stops the providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	for _, shutdown := range p.shutdowns {
		if err := shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown telemetry provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackOperation starts a span and the RED bookkeeping for one operation.
// The returned function ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	opts := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)...)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, opts)
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, opts)
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, opts)
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), opts)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, opts, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
			}
		}
		span.End()
	}
}
