package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/middleware"
)

// Tracer provides distributed tracing via OpenTelemetry.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a Tracer from config. When tracing is disabled the returned
// Tracer is inert and its middleware passes requests straight through.
func New(cfg config.TracingConfig) (*Tracer, error) {
	t := &Tracer{
		enabled: cfg.EnableOpentelemetry,
	}
	if !t.enabled {
		return t, nil
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
	if cfg.JaegerEndpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.JaegerEndpoint))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("api-gateway"),
		),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)

	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)

	t.tracer = t.provider.Tracer("gateway")
	return t, nil
}

// IsEnabled returns whether tracing is enabled.
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Middleware creates a server span per request and reflects the trace ID
// back to the client in X-Trace-ID.
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := t.tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}

			tw := &tracingWriter{ResponseWriter: w, statusCode: 200}
			next.ServeHTTP(tw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", tw.statusCode))
			if tw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(tw.statusCode))
			}
		})
	}
}

// InjectHeaders injects trace context headers into an outgoing request.
// It uses the OTEL propagator to inject from the source request's context,
// and also copies traceparent/tracestate headers directly as a fallback.
func InjectHeaders(src, dst *http.Request) {
	prop := otel.GetTextMapPropagator()
	prop.Inject(src.Context(), propagation.HeaderCarrier(dst.Header))

	if dst.Header.Get("traceparent") == "" {
		if tp := src.Header.Get("traceparent"); tp != "" {
			dst.Header.Set("traceparent", tp)
		}
	}
	if dst.Header.Get("tracestate") == "" {
		if ts := src.Header.Get("tracestate"); ts != "" {
			dst.Header.Set("tracestate", ts)
		}
	}
}

// SpanIDs returns the active trace and span IDs from the request context,
// empty when there is no recording span.
func SpanIDs(r *http.Request) (traceID, spanID string) {
	sc := trace.SpanFromContext(r.Context()).SpanContext()
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return
}

// Close shuts down the tracer provider.
func (t *Tracer) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}

// tracingWriter wraps ResponseWriter to capture status code
type tracingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (tw *tracingWriter) WriteHeader(code int) {
	tw.statusCode = code
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *tracingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
