package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the meter and tracer name used by taskmesh.
const InstrumentationName = "github.com/hupe1980/taskmesh"

// Config configures exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint enables span export over gRPC when set (host:port).
	OTLPEndpoint string
	OTLPInsecure bool
}

// DefaultConfig returns a configuration without span export.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPInsecure:   true,
	}
}

// Observability owns the installed providers.
type Observability struct {
	Config   Config
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Setup installs global tracer and meter providers and builds the taskmesh
// instruments.
func Setup(ctx context.Context, cfg Config) (*Observability, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		exOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			exOpts = append(exOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(ctx, exOpts...)
		if err != nil {
			return nil, err
		}

		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(InstrumentationName)

	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	return &Observability{
		Config:  cfg,
		Tracer:  tracerProvider.Tracer(InstrumentationName),
		Meter:   meter,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))
		},
	}, nil
}

// Handler serves the Prometheus scrape endpoint.
func (o *Observability) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	return o.shutdown(ctx)
}

// Tracer returns the global taskmesh tracer (no-op until Setup runs).
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
