// Package tracing configures OpenTelemetry for the orchestrator process.
package tracing

import (
	"context"
	"io"
	"os"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	saga "github.com/grafikui/saga-orchestrator-go"
)

const tracerName = "saga-orchestrator"

// Config controls span export.
type Config struct {
	ServiceName string
	Enabled     bool
	// Writer receives exported spans as JSON. Defaults to stdout.
	Writer io.Writer
}

// Init installs the global tracer provider and propagator. The returned
// function flushes pending spans.
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = tracerName
	}
	res, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SetError records err on the span in ctx.
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Middleware extracts incoming trace context and wraps each request in a
// server span.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		name := c.Request.Method + " " + c.FullPath()
		ctx, span := StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.Int("http.status_code", status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}

// Events returns orchestrator hooks that record saga milestones as span
// events. Each transition becomes a short span tagged with the saga id.
func Events() *saga.OrchestratorEvents {
	record := func(name string, attrs ...attribute.KeyValue) {
		_, span := StartSpan(context.Background(), name, trace.WithAttributes(attrs...))
		span.End()
	}
	return &saga.OrchestratorEvents{
		OnStateChange: func(inst saga.SagaInstance, from saga.LifecycleState) {
			record("saga.transition",
				attribute.String("saga.id", inst.ID),
				attribute.String("saga.type", inst.SagaType),
				attribute.String("saga.from", string(from)),
				attribute.String("saga.to", string(inst.State)),
				attribute.Int("saga.step", inst.CurrentStep),
			)
		},
		OnStepTimeout: func(sagaID string, step int, compensation bool) {
			record("saga.step_timeout",
				attribute.String("saga.id", sagaID),
				attribute.Int("saga.step", step),
				attribute.Bool("saga.compensation", compensation),
			)
		},
		OnFault: func(sagaID string, err error) {
			ctx, span := StartSpan(context.Background(), "saga.fault", trace.WithAttributes(attribute.String("saga.id", sagaID)))
			SetError(ctx, err)
			span.End()
		},
	}
}
