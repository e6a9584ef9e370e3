// Package obstrace installs the process-global OpenTelemetry tracer
// provider the gateway's dispatch spans are recorded against.
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup builds an SDK tracer provider tagged with serviceName and
// registers it globally. Span exporters attach via opts; with none
// configured, spans are still created and sampled for in-process
// processors, just not shipped anywhere. The returned shutdown flushes
// and stops the provider.
func Setup(serviceName string, opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)
	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
