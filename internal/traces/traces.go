// Package traces wires OpenTelemetry spans around deposits, vault payouts and
// token calls.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/epochstake"

// Options configure the exporter. An empty Endpoint leaves the global no-op
// provider in place.
type Options struct {
	Endpoint    string
	Version     string
	SampleRatio float64 // 0 or >=1 samples everything
}

// Init installs a batching OTLP/gRPC tracer provider and returns its
// shutdown func.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("epochstake"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed with code as the description.
func Fail(span trace.Span, err error, code string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
}

func Account(addr string) attribute.KeyValue { return attribute.String("stake.account", addr) }
func Amount(v string) attribute.KeyValue     { return attribute.String("stake.amount", v) }
func Reference(ref string) attribute.KeyValue {
	return attribute.String("vault.reference", ref)
}
func Epoch(n uint64) attribute.KeyValue   { return attribute.Int64("epoch.current", int64(n)) }
func Elapsed(n uint64) attribute.KeyValue { return attribute.Int64("epoch.elapsed", int64(n)) }
func SettlementID(id string) attribute.KeyValue {
	return attribute.String("settlement.id", id)
}
