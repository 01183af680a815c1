// Package telemetry sets up OpenTelemetry tracing. Worker spans reach change
// notifications through the global propagator.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config describes the traced service.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans sampled; child spans follow
	// their parent. Values outside (0, 1] sample everything.
	SampleRatio float64
	// Exporter selects where finished spans go: ExporterNone keeps them in
	// process, ExporterGCP batches them to Cloud Trace in ProjectID.
	Exporter  string
	ProjectID string
}

// Span exporters accepted by Config.Exporter.
const (
	ExporterNone = "none"
	ExporterGCP  = "gcp"
)

// newGCPExporter builds the Cloud Trace exporter. Tests replace it.
var newGCPExporter = func(projectID string) (sdktrace.SpanExporter, error) {
	return texporter.New(texporter.WithProjectID(projectID))
}

// InitTracerProvider installs a global tracer provider and the W3C trace
// context and baggage propagators. Spans are batched to the configured
// exporter; Shutdown on the returned provider flushes them.
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts, err := providerOptions(cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithResource(res))...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// providerOptions returns the sampler and, when an exporter is configured, its
// batch span processor.
func providerOptions(cfg Config) ([]sdktrace.TracerProviderOption, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sampler(cfg.SampleRatio))}
	switch cfg.Exporter {
	case "", ExporterNone:
		return opts, nil
	case ExporterGCP:
		if cfg.ProjectID == "" {
			return nil, errors.New("project id is required for the gcp trace exporter")
		}
		exporter, err := newGCPExporter(cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		return append(opts, sdktrace.WithBatcher(exporter)), nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
