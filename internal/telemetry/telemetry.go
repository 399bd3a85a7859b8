// Package telemetry wires OpenTelemetry metrics for the sync binaries.
//
// Metric export is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	ISSUESYNC_METRICS_STDOUT=true   write metrics to stdout periodically
//	OTEL_SERVICE_NAME=...           override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Enabled reports whether metric export is active.
func Enabled() bool {
	return os.Getenv("ISSUESYNC_METRICS_STDOUT") == "true"
}

// Init configures the global meter provider and returns a shutdown func.
// When disabled it installs a no-op provider and the shutdown is free.
func Init(ctx context.Context, serviceName, version string) (func(context.Context) error, error) {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		),
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
