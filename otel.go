package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mvidakovic/agentloop"

// OTelConfig configures the OpenTelemetry observer.
type OTelConfig struct {
	// Endpoint is the OTLP HTTP collector base URL, e.g.
	// "https://collector.example.com". Required.
	Endpoint string

	// Headers are added to every export request (auth, tenant routing).
	Headers map[string]string

	// ServiceName identifies the application in traces.
	ServiceName string

	// ServiceVersion tracks the application version.
	ServiceVersion string

	// Environment specifies the deployment environment.
	Environment string
}

// OTelObserver implements Observer by emitting one span per provider
// attempt. Attempts of the same logical call share the stream id attribute,
// so a collector can correlate multi-provider fallback sequences.
type OTelObserver struct {
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider

	mu    sync.Mutex
	spans map[string]trace.Span // keyed by stream id + attempt
}

// NewOTelObserver sets up an OTLP HTTP exporter and tracer provider.
func NewOTelObserver(cfg OTelConfig) (*OTelObserver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("agentloop: otel observer requires an endpoint")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentloop-app"
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if strings.HasPrefix(cfg.Endpoint, "http://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("agentloop: create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &OTelObserver{
		tracer:         tp.Tracer(tracerName),
		tracerProvider: tp,
		spans:          make(map[string]trace.Span),
	}, nil
}

func spanKey(call CallInfo) string {
	return fmt.Sprintf("%s/%d", call.StreamID, call.Attempt)
}

// OnRequestStart opens a span for the provider attempt.
func (o *OTelObserver) OnRequestStart(ctx context.Context, call CallInfo) {
	_, span := o.tracer.Start(ctx, "llm.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(time.Now()),
		trace.WithAttributes(
			attribute.String("llm.stream_id", call.StreamID),
			attribute.String("llm.provider", call.Provider),
			attribute.String("llm.model", call.Model),
			attribute.Int("llm.attempt", call.Attempt),
		),
	)

	o.mu.Lock()
	o.spans[spanKey(call)] = span
	o.mu.Unlock()
}

// OnResponseStart marks first-byte arrival on the attempt span.
func (o *OTelObserver) OnResponseStart(ctx context.Context, call CallInfo) {
	o.mu.Lock()
	span := o.spans[spanKey(call)]
	o.mu.Unlock()
	if span == nil {
		return
	}
	span.AddEvent("response.start")
}

// OnResponseFinished records the outcome and ends the attempt span.
func (o *OTelObserver) OnResponseFinished(ctx context.Context, call CallInfo, result *Result, err error) {
	o.mu.Lock()
	span := o.spans[spanKey(call)]
	delete(o.spans, spanKey(call))
	o.mu.Unlock()
	if span == nil {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if result != nil {
		span.SetAttributes(
			attribute.String("llm.finish_reason", string(result.FinishReason)),
			attribute.Int("llm.usage.input_tokens", result.Usage.InputTokens),
			attribute.Int("llm.usage.output_tokens", result.Usage.OutputTokens),
			attribute.Int("llm.usage.total_tokens", result.Usage.TotalTokens),
		)
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Flush ensures pending spans are exported; important for short-lived runs.
func (o *OTelObserver) Flush(ctx context.Context) error {
	return o.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops the tracer provider.
func (o *OTelObserver) Shutdown(ctx context.Context) error {
	return o.tracerProvider.Shutdown(ctx)
}
