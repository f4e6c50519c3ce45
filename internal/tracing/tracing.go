package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/markerq/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const (
	tracerName         = "github.com/osvaldoandrade/markerq"
	defaultServiceName = "marker-api"
	defaultEndpoint    = "localhost:4317"
)

// Span attribute keys shared by the HTTP layer and the task pipeline.
const (
	AttrTaskID    = attribute.Key("marker.task_id")
	AttrKind      = attribute.Key("marker.kind")
	AttrDocuments = attribute.Key("marker.documents")
	AttrWorker    = attribute.Key("marker.worker_id")
	AttrAttempt   = attribute.Key("marker.attempt")
)

// Config selects the OTLP exporter. Empty fields fall back to the standard
// OTEL_* environment variables, then to local defaults.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

// resolved returns a copy with environment fallbacks and defaults applied.
func (c Config) resolved() Config {
	out := c
	out.ServiceName = firstSet(c.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), defaultServiceName)
	out.OTLPEndpoint = sanitizeEndpoint(firstSet(c.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), defaultEndpoint))
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			out.OTLPInsecure = b
		}
	}
	if out.SampleRatio <= 0 || out.SampleRatio > 1 {
		out.SampleRatio = 1
	}
	return out
}

func noop(context.Context) error { return nil }

// Setup installs the W3C propagator and, when enabled, a batching OTLP/gRPC
// tracer provider. The returned func flushes pending spans.
// Exporter failures disable tracing instead of failing startup.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if !cfg.Enabled {
		return noop, nil
	}
	cfg = cfg.resolved()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warn("tracing disabled: exporter init failed", "endpoint", cfg.OTLPEndpoint, "err", err)
		return noop, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		logger.Warn("tracing resource merge failed", "err", err)
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSubmit opens the span covering the admission of a new task.
func StartSubmit(ctx context.Context, kind domain.TaskKind, documents int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "marker.task.submit", trace.WithAttributes(
		AttrKind.String(string(kind)),
		AttrDocuments.Int(documents),
	))
}

// StampTask records the active span of ctx on the task so a worker in
// another process can continue the same trace.
func StampTask(ctx context.Context, task *domain.Task) {
	if task == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	task.TraceParent = carrier.Get("traceparent")
	task.TraceState = carrier.Get("tracestate")
}

// StartExecute opens the worker span for a claimed task, parented to the
// trace stamped at submission when there is one.
func StartExecute(ctx context.Context, task *domain.Task, workerID string) (context.Context, trace.Span) {
	ctx = taskContext(ctx, task)
	return tracer().Start(ctx, "marker.task.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrTaskID.String(task.ID),
			AttrKind.String(string(task.Kind)),
			AttrDocuments.Int(task.Total),
			AttrWorker.String(workerID),
			AttrAttempt.Int(task.Attempts),
		))
}

func taskContext(ctx context.Context, task *domain.Task) context.Context {
	tp := strings.TrimSpace(task.TraceParent)
	if tp == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": tp}
	if ts := strings.TrimSpace(task.TraceState); ts != "" {
		carrier["tracestate"] = ts
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectHeaders writes traceparent and tracestate into outgoing webhook
// headers. Baggage is never forwarded.
func InjectHeaders(ctx context.Context, h http.Header) {
	if h == nil {
		return
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(h))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// sanitizeEndpoint turns a URL-style OTLP endpoint into the host:port form
// the gRPC exporter expects.
func sanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
