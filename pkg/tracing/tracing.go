// Package tracing wires OpenTelemetry span instrumentation around the
// scheduler's epoch-advance and snapshot operations, adapted from the
// teacher's pkg/tracing (exporter setup, HTTP middleware)
// with the log-capture-specific span payload types (TraceableLogEntry and
// friends) dropped in favor of spans over the engine's own operations.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures distributed tracing.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Exporter       string            `yaml:"exporter"` // "jaeger", "otlp", "console"
	Endpoint       string            `yaml:"endpoint"`
	SampleRate     float64           `yaml:"sample_rate"`
	BatchTimeout   time.Duration     `yaml:"batch_timeout"`
	MaxBatchSize   int               `yaml:"max_batch_size"`
	Headers        map[string]string `yaml:"headers"`
}

// DefaultConfig returns the default tracing configuration: tracing off,
// pointed at a local OTLP collector if enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "flowmesh",
		ServiceVersion: "v0.1.0",
		Environment:    "production",
		Exporter:       "otlp",
		Endpoint:       "http://localhost:4318/v1/traces",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MaxBatchSize:   512,
		Headers:        make(map[string]string),
	}
}

// Manager owns the tracer provider for one process.
type Manager struct {
	config   Config
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewManager builds a Manager. A disabled config yields a no-op tracer so
// callers never need to branch on whether tracing is on.
func NewManager(config Config, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if !config.Enabled {
		return &Manager{config: config, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	m := &Manager{config: config, logger: logger}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	exporter, err := m.createExporter()
	if err != nil {
		return fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := m.createResource()
	if err != nil {
		return fmt.Errorf("tracing: create resource: %w", err)
	}

	m.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter,
			trace.WithBatchTimeout(m.config.BatchTimeout),
			trace.WithMaxExportBatchSize(m.config.MaxBatchSize),
		),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(m.config.SampleRate)),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	m.tracer = otel.Tracer(m.config.ServiceName)

	m.logger.WithFields(logrus.Fields{
		"service_name": m.config.ServiceName,
		"exporter":     m.config.Exporter,
		"endpoint":     m.config.Endpoint,
		"sample_rate":  m.config.SampleRate,
	}).Info("distributed tracing initialized")
	return nil
}

func (m *Manager) createExporter() (trace.SpanExporter, error) {
	switch m.config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(m.config.Endpoint)))
	case "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(m.config.Endpoint)}
		if len(m.config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(m.config.Headers))
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case "console":
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint("http://localhost:4318"),
			otlptracehttp.WithInsecure(),
		))
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", m.config.Exporter)
	}
}

func (m *Manager) createResource() (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
			semconv.DeploymentEnvironment(m.config.Environment),
		),
	)
}

// Tracer returns the underlying tracer.
func (m *Manager) Tracer() oteltrace.Tracer { return m.tracer }

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// SpanEpochAdvance starts a span around one worker's epoch-close sequence:
// draining windows, snapshotting dirty state, and persisting the frontier.
func (m *Manager) SpanEpochAdvance(ctx context.Context, workerIndex int, epoch uint64) (context.Context, oteltrace.Span) {
	ctx, span := m.tracer.Start(ctx, "scheduler.close_epoch")
	span.SetAttributes(
		attribute.Int("worker.index", workerIndex),
		attribute.Int64("epoch", int64(epoch)),
	)
	return ctx, span
}

// SpanSnapshot starts a span around one worker's snapshot encode and append
// to the recovery log; stepID labels the span (the scheduler passes its
// input step).
func (m *Manager) SpanSnapshot(ctx context.Context, stepID string, epoch uint64, cellCount int) (context.Context, oteltrace.Span) {
	ctx, span := m.tracer.Start(ctx, "recovery.snapshot")
	span.SetAttributes(
		attribute.String("step_id", stepID),
		attribute.Int64("epoch", int64(epoch)),
		attribute.Int("cells", cellCount),
	)
	return ctx, span
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Handler wraps next with HTTP span instrumentation, extracting any
// inbound trace context and injecting the outbound one.
func Handler(tracer oteltrace.Tracer, operationName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, operationName)
			defer span.End()

			span.SetAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.HTTPTarget(r.URL.Path),
				semconv.HTTPScheme(r.URL.Scheme),
				semconv.UserAgentOriginal(r.UserAgent()),
				semconv.ClientAddress(r.RemoteAddr),
			)
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractTraceInfo returns the trace/span ID active on ctx, if any.
func ExtractTraceInfo(ctx context.Context) (traceID, spanID string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		spanID = span.SpanContext().SpanID().String()
	}
	return
}
