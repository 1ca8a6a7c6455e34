// Package telemetry initializes the OpenTelemetry tracer and meter
// providers once per process, over OTLP/gRPC, the way every service in
// this lineage does it. Subsystems never construct their own providers;
// they pull a tracer/meter from otel.GetTracerProvider()/GetMeterProvider().
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ShutdownFunc flushes and releases provider resources.
type ShutdownFunc func(ctx context.Context) error

// InitTracer configures a global TracerProvider exporting spans over OTLP
// gRPC to CIS_OTLP_ENDPOINT (default localhost:4317). Returns a shutdown
// func; on exporter construction failure it falls back to a no-op tracer
// so node startup never hard-fails on missing observability infra.
func InitTracer(ctx context.Context, nodeID string) ShutdownFunc {
	endpoint := endpointFromEnv()
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		slog.Warn("otlp trace exporter unavailable, using no-op tracer", "error", err)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }
	}

	res := newResource(nodeID)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// InitMeter configures a global MeterProvider exporting metrics over OTLP
// gRPC, with the same no-op fallback behavior as InitTracer.
func InitMeter(ctx context.Context, nodeID string) (ShutdownFunc, error) {
	endpoint := endpointFromEnv()
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		slog.Warn("otlp metric exporter unavailable, using no-op meter", "error", err)
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	res := newResource(nodeID)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func newResource(nodeID string) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("cis-node"),
		semconv.ServiceInstanceID(nodeID),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

func endpointFromEnv() string {
	if v := os.Getenv("CIS_OTLP_ENDPOINT"); v != "" {
		return v
	}
	return "localhost:4317"
}

// Flush is a best-effort shutdown call used on graceful exit.
func Flush(ctx context.Context, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	if err := fn(ctx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
}
