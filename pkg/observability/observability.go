// Package observability wires OpenTelemetry tracing and metrics plus
// structured logging for the device agent. Export goes over OTLP gRPC;
// with telemetry disabled every call is a no-op so library code can
// instrument unconditionally.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aura-net/aura/pkg/antientropy"
)

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC endpoint, for example "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aurad",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// NewLogger builds the root slog logger at the configured level.
// Unknown levels fall back to info.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// Provider owns the trace and metric providers and the agent's counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsAdmitted metric.Int64Counter
	eventsRejected metric.Int64Counter
	syncPulled     metric.Int64Counter
	syncPushed     metric.Int64Counter
	syncDropped    metric.Int64Counter
	syncBytes      metric.Int64Counter
	syncDuration   metric.Float64Histogram
	activeSessions metric.Int64UpDownCounter
}

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("aura",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("aura",
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initCounters(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
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

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initCounters() error {
	var err error
	if p.eventsAdmitted, err = p.meter.Int64Counter("aura.ledger.events.admitted",
		metric.WithDescription("Events admitted to the ledger"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.eventsRejected, err = p.meter.Int64Counter("aura.ledger.events.rejected",
		metric.WithDescription("Events rejected at admission"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.syncPulled, err = p.meter.Int64Counter("aura.sync.events.pulled",
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.syncPushed, err = p.meter.Int64Counter("aura.sync.events.pushed",
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.syncDropped, err = p.meter.Int64Counter("aura.sync.events.dropped",
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.syncBytes, err = p.meter.Int64Counter("aura.sync.bytes",
		metric.WithUnit("By")); err != nil {
		return err
	}
	if p.syncDuration, err = p.meter.Float64Histogram("aura.sync.duration",
		metric.WithDescription("Duration of one peer sync round"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10)); err != nil {
		return err
	}
	if p.activeSessions, err = p.meter.Int64UpDownCounter("aura.protocol.sessions.active",
		metric.WithDescription("Protocol sessions currently running"),
		metric.WithUnit("{session}")); err != nil {
		return err
	}
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("aura")
	}
	return p.tracer
}

// RecordAdmission counts one admission outcome.
func (p *Provider) RecordAdmission(ctx context.Context, admitted bool, eventType string) {
	attrs := metric.WithAttributes(attribute.String("event.type", eventType))
	if admitted {
		if p.eventsAdmitted != nil {
			p.eventsAdmitted.Add(ctx, 1, attrs)
		}
		return
	}
	if p.eventsRejected != nil {
		p.eventsRejected.Add(ctx, 1, attrs)
	}
}

// RecordSync records the outcome of one anti-entropy round.
func (p *Provider) RecordSync(ctx context.Context, m antientropy.SyncMetrics) {
	attrs := metric.WithAttributes(attribute.String("peer.id", m.Peer.String()))
	if p.syncPulled != nil {
		p.syncPulled.Add(ctx, int64(m.Pulled), attrs)
		p.syncPushed.Add(ctx, int64(m.Pushed), attrs)
		p.syncDropped.Add(ctx, int64(m.Dropped), attrs)
		p.syncBytes.Add(ctx, int64(m.Bytes), attrs)
		p.syncDuration.Record(ctx, m.Duration.Seconds(), attrs)
	}
}

// TrackSession traces one protocol session; call the returned func with
// the session outcome.
func (p *Provider) TrackSession(ctx context.Context, protocol string) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, "protocol."+protocol,
		trace.WithSpanKind(trace.SpanKindInternal))
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, 1)
	}
	return ctx, func(err error) {
		if p.activeSessions != nil {
			p.activeSessions.Add(ctx, -1)
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
