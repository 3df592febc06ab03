package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	otelOnce sync.Once
	otelTP   *sdktrace.TracerProvider
	otelErr  error
)

// InitOpenTelemetry installs a process-wide tracer provider. Safe to call
// more than once; only the first call takes effect.
func InitOpenTelemetry(serviceName string) error {
	otelOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			otelErr = err
			return
		}

		otelTP = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(otelTP)
	})

	return otelErr
}

// ShutdownOpenTelemetry flushes and stops the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	if otelTP == nil {
		return nil
	}
	return otelTP.Shutdown(ctx)
}

// StartSpan opens an OpenTelemetry span and makes sure the context carries
// a trace id for log correlation.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
