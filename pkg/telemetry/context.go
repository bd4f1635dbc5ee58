package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// pconf process. Components find it through the context.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg, Events: NewEventPublisher(cfg.Events)}

	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		_ = t.Logger.Close()
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		_ = t.Logger.Close()
		return nil, err
	}
	return t, nil
}

// WithContext returns a copy of ctx carrying t and its logger.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry carried by ctx, or nil.
// Callers skip instrumentation when it is nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves /metrics when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown stops the metrics server, flushes spans and closes the log
// file. Every step runs even if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Metrics.StopMetricsServer(),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// Operation is one instrumented unit of work: its context, span, logger
// and timer. Span is nil when no telemetry is configured.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation when ctx carries telemetry.
// The returned logger is tagged with the operation and its trace IDs.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		op.Logger = FromContext(ctx).WithField("operation", operation)
		return op
	}

	op.Ctx, op.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	fields := map[string]interface{}{"operation": operation}
	if id := TraceID(op.Ctx); id != "" {
		fields["trace_id"] = id
		fields["span_id"] = SpanID(op.Ctx)
	}
	op.Logger = FromContext(ctx).WithFields(fields)
	return op
}

// End closes the span with the outcome err.
func (op *Operation) End(err error) {
	if op.Span == nil {
		return
	}
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}

// RecordProviderOperation runs fn inside a provider span and counts the
// call, its duration and its failure.
func RecordProviderOperation(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	tel.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
