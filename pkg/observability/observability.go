// Package observability provides OpenTelemetry metrics for the
// telemetry pipeline: ingestion rate, processing throughput and errors,
// decisions logged and notifications dispatched.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	ExportInterval time.Duration // how often to push metrics
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults with export disabled;
// counters still work through the global (no-op) meter.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "voltmesh-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the meter provider and the pipeline counters. A nil
// *Provider is valid and records nothing, so components can take one
// without nil checks at every call site.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	eventsIngested    metric.Int64Counter
	eventsProcessed   metric.Int64Counter
	processingErrors  metric.Int64Counter
	decisionsLogged   metric.Int64Counter
	notificationsSent metric.Int64Counter
}

// New creates a provider. With config.Enabled false the counters bind to
// the global meter (no-op unless the application installed one).
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
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
			return nil, fmt.Errorf("observability: create resource: %w", err)
		}

		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create OTLP exporter: %w", err)
		}

		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(config.ExportInterval))),
		)
		otel.SetMeterProvider(p.meterProvider)
		p.logger.InfoContext(ctx, "metrics export enabled", "endpoint", config.OTLPEndpoint)
	}

	meter := otel.Meter("voltmesh.core",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	var err error
	if p.eventsIngested, err = meter.Int64Counter("voltmesh.events.ingested",
		metric.WithDescription("Telemetry envelopes accepted by the ingestion gateway")); err != nil {
		return nil, err
	}
	if p.eventsProcessed, err = meter.Int64Counter("voltmesh.events.processed",
		metric.WithDescription("Envelopes fully processed by the consumer loop")); err != nil {
		return nil, err
	}
	if p.processingErrors, err = meter.Int64Counter("voltmesh.events.errors",
		metric.WithDescription("Envelope iterations that failed")); err != nil {
		return nil, err
	}
	if p.decisionsLogged, err = meter.Int64Counter("voltmesh.decisions.logged",
		metric.WithDescription("Decision records written to the audit trail")); err != nil {
		return nil, err
	}
	if p.notificationsSent, err = meter.Int64Counter("voltmesh.notifications.dispatched",
		metric.WithDescription("Notification deliveries attempted per channel")); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) EventIngested(ctx context.Context, source string) {
	if p == nil {
		return
	}
	p.eventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (p *Provider) EventProcessed(ctx context.Context, eventType string) {
	if p == nil {
		return
	}
	p.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (p *Provider) ProcessingError(ctx context.Context) {
	if p == nil {
		return
	}
	p.processingErrors.Add(ctx, 1)
}

func (p *Provider) DecisionLogged(ctx context.Context, actor string) {
	if p == nil {
		return
	}
	p.decisionsLogged.Add(ctx, 1, metric.WithAttributes(attribute.String("actor", actor)))
}

func (p *Provider) NotificationSent(ctx context.Context, channel string) {
	if p == nil {
		return
	}
	p.notificationsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
