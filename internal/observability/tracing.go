package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/signoff/internal/config"
)

const instrumentationName = "github.com/pitabwire/signoff"

// defaultSamplingRate applies when the configured rate is zero or negative.
const defaultSamplingRate = 0.1

// Span attributes recorded on approval operations.
var (
	AttrModule      = attribute.Key("signoff.module")
	AttrEntityID    = attribute.Key("signoff.entity_id")
	AttrWorkflowID  = attribute.Key("signoff.workflow_id")
	AttrStageNumber = attribute.Key("signoff.stage_number")
	AttrSubjectID   = attribute.Key("signoff.subject_id")
	AttrAction      = attribute.Key("signoff.action")
	AttrCacheHit    = attribute.Key("signoff.cache_hit")
)

type exporterFactory func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error)

// exporters maps the configured exporter name to its constructor. An empty
// name selects OTLP.
var exporters = map[string]exporterFactory{
	"":       otlpExporter,
	"otlp":   otlpExporter,
	"stdout": stdoutExporter,
}

func stdoutExporter(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

func otlpExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	var opts []otlptracegrpc.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// InitTracing installs the global tracer provider and W3C propagators for
// the service. The returned function flushes buffered spans on shutdown.
// When tracing is disabled the global no-op provider is left in place.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	factory, ok := exporters[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("tracing: exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
	exp, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter %s: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: service resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRate)),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

// samplerFor honours the caller's sampling decision and samples root spans
// at rate, capped at always-on.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the tracer used for every span the service creates.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan opens an internal span tagged with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) == 0 {
		return Tracer().Start(ctx, name)
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError closes span, marking it failed when err is set.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the hex trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the hex span ID of the active span, or "".
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request. An incoming
// traceparent becomes the parent and the resulting context is written back
// on the response headers.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		carrier := propagation.HeaderCarrier(r.Header)
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), carrier)

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &spanStatusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.code))
		if rec.code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.code))
		}
	})
}

// spanStatusRecorder keeps the first status code written by the handler.
type spanStatusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (s *spanStatusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.code, s.wroteHeader = code, true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *spanStatusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(p)
}
