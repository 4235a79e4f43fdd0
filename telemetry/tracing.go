package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per subsystem that opens spans.
const (
	TracerEngine = "betterraid/tracker"
	TracerHelix  = "betterraid/twitchapi"
	TracerHTTP   = "betterraid/server"
)

var tracingEnabled bool

// TracingConfig is read from the environment by TracingConfigFromEnv.
type TracingConfig struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables tracing.
	Endpoint string
	// SampleRatio applies to root spans: the engine refresh cycle and
	// incoming dashboard requests. Child spans follow their parent.
	SampleRatio float64
	// Environment becomes the deployment.environment resource attribute.
	Environment string
}

// TracingConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT,
// BETTERRAID_TRACE_SAMPLE_RATIO (0..1, default 1) and ENV.
func TracingConfigFromEnv() (TracingConfig, error) {
	tc := TracingConfig{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		SampleRatio: 1,
		Environment: strings.TrimSpace(os.Getenv("ENV")),
	}
	if tc.Environment == "" {
		tc.Environment = "dev"
	}
	if v := strings.TrimSpace(os.Getenv("BETTERRAID_TRACE_SAMPLE_RATIO")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			return tc, fmt.Errorf("BETTERRAID_TRACE_SAMPLE_RATIO=%q: want a number between 0 and 1", v)
		}
		tc.SampleRatio = r
	}
	return tc, nil
}

func (tc TracingConfig) sampler() sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))
}

// InitTracing installs an OTLP/gRPC tracer provider for the betterraid
// service. Without an endpoint it leaves the global no-op provider in place.
// The returned func flushes pending spans.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	tc, err := TracingConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tc.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set", slog.String("component", "telemetry"))
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure(), otlptracegrpc.WithEndpoint(tc.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		attribute.String("deployment.environment", tc.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(tc.sampler()),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled = true
	slog.Info("tracing initialized", slog.String("component", "telemetry"),
		slog.String("endpoint", tc.Endpoint), slog.String("env", tc.Environment), slog.Float64("sample_ratio", tc.SampleRatio))

	return func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			slog.Error("tracer provider shutdown failed", slog.String("component", "telemetry"), slog.Any("err", err))
		}
	}, nil
}

// IsTracingEnabled reports whether InitTracing installed an exporter.
func IsTracingEnabled() bool { return tracingEnabled }

// StartSpan opens a span on the named tracer, tagging it with the request's
// correlation id when there is one.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("betterraid.correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) { span.SetStatus(codes.Ok, "") }

// ChannelCountAttr tags a span with the number of channels it covers.
func ChannelCountAttr(n int) attribute.KeyValue { return attribute.Int("betterraid.channel_count", n) }

// ChannelAttr tags a span with a channel name.
func ChannelAttr(name string) attribute.KeyValue { return attribute.String("betterraid.channel", name) }

func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String("http.request.method", method)
}

func HTTPRouteAttr(route string) attribute.KeyValue { return attribute.String("http.route", route) }

func HTTPStatusAttr(code int) attribute.KeyValue {
	return attribute.Int("http.response.status_code", code)
}

// SetSpanHTTPStatus records the response status; 4xx and 5xx fail the span.
func SetSpanHTTPStatus(span trace.Span, code int) {
	span.SetAttributes(HTTPStatusAttr(code))
	if code >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", code))
	}
}
