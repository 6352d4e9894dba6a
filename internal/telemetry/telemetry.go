// Package telemetry configures the OpenTelemetry meter provider used by the
// relay counters.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"

	"github.com/timada-org/pikav-relay/internal/core"
)

const metricInterval = 30 * time.Second

type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// Init installs a global OTLP/HTTP meter provider. Without an endpoint the
// global no-op provider is kept and counters cost nothing.
func Init(ctx context.Context, cfg core.TelemetryConfig, version string) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
	}
	if strings.HasPrefix(cfg.OTLPEndpoint, "http://") {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricInterval),
		)),
	)
	otel.SetMeterProvider(mp)

	return &Provider{meterProvider: mp}, nil
}

func (p *Provider) Enabled() bool {
	return p.meterProvider != nil
}

// Shutdown flushes pending measurements.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}

	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}

	return nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}
