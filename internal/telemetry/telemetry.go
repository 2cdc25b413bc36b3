// Package telemetry wraps OpenTelemetry metrics and tracing for the
// uploader, modeled directly on the teacher's internal/otel package:
// disabled by default (a no-op provider), one exporter chosen by
// configuration, and a small fixed set of instruments rather than a
// general-purpose metrics facade.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects where metrics/traces go when telemetry is enabled.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config controls whether and how the uploader emits telemetry. It is
// entirely optional: an uploader built with a disabled Config behaves
// identically to one with no telemetry wiring at all.
type Config struct {
	Enabled      bool
	ServiceName  string
	ExporterType ExporterType
	OTLPEndpoint string
	OTLPInsecure bool
}

// DefaultConfig returns telemetry disabled, matching the teacher's
// DefaultMetricsConfig/otel.DefaultConfig.
func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "habuploader", ExporterType: ExporterNone}
}

// Telemetry bundles the meter, tracer, and the instruments the uploader
// and queue packages record against.
type Telemetry struct {
	mu       sync.Mutex
	shutdown []func(context.Context) error

	tracer trace.Tracer

	uploads        metric.Int64Counter
	conflicts      metric.Int64Counter
	mergeAttempts  metric.Int64Histogram
	queueDropped   metric.Int64Counter
}

// New builds a Telemetry from cfg. When cfg.Enabled is false every
// instrument is backed by a no-op provider, so callers never need to
// branch on whether telemetry is on.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}

	if !cfg.Enabled {
		t.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		mp := sdkmetric.NewMeterProvider()
		if err := t.registerInstruments(mp.Meter(cfg.ServiceName)); err != nil {
			return nil, err
		}
		t.shutdown = append(t.shutdown, func(context.Context) error { return nil })
		return t, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	metricExporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	if err := t.registerInstruments(mp.Meter(cfg.ServiceName)); err != nil {
		return nil, err
	}
	t.shutdown = append(t.shutdown, mp.Shutdown)

	traceExporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdown = append(t.shutdown, tp.Shutdown)

	return t, nil
}

func (t *Telemetry) registerInstruments(m metric.Meter) error {
	var err error

	t.uploads, err = m.Int64Counter("habuploader.uploads",
		metric.WithDescription("Count of successful document uploads by kind"))
	if err != nil {
		return err
	}
	t.conflicts, err = m.Int64Counter("habuploader.merge_conflicts",
		metric.WithDescription("Count of 409 conflicts seen by the merge loop"))
	if err != nil {
		return err
	}
	t.mergeAttempts, err = m.Int64Histogram("habuploader.merge_attempts",
		metric.WithDescription("Attempts taken by a completed payload_telemetry call"))
	if err != nil {
		return err
	}
	t.queueDropped, err = m.Int64Counter("habuploader.queue_dropped",
		metric.WithDescription("Requests dropped because the background queue was full"))
	if err != nil {
		return err
	}
	return nil
}

func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown metric exporter type: %s", cfg.ExporterType)
	}
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New()
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter type: %s", cfg.ExporterType)
	}
}

// StartMergeLoop opens a span enclosing one payload_telemetry call.
func (t *Telemetry) StartMergeLoop(ctx context.Context, docID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "payload_telemetry.merge",
		trace.WithAttributes(attribute.String("habuploader.doc_id", docID)))
}

// RecordUpload increments the upload counter for kind.
func (t *Telemetry) RecordUpload(ctx context.Context, kind string) {
	t.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConflict increments the conflict counter.
func (t *Telemetry) RecordConflict(ctx context.Context) {
	t.conflicts.Add(ctx, 1)
}

// RecordMergeAttempts records how many attempts a completed merge loop
// call took (1 means it succeeded on the first try).
func (t *Telemetry) RecordMergeAttempts(ctx context.Context, attempts int) {
	t.mergeAttempts.Record(ctx, int64(attempts))
}

// RecordQueueDropped increments the dropped-request counter.
func (t *Telemetry) RecordQueueDropped(ctx context.Context) {
	t.queueDropped.Add(ctx, 1)
}

// Shutdown flushes and releases every provider this Telemetry created.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
