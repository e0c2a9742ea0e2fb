package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext ties together a context, span, logger, and timer for
// one instrumented operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

type sessionSpanKey struct{}
type sessionTimerKey struct{}

// WithSessionContext creates a context enriched with session-specific telemetry.
func WithSessionContext(ctx context.Context, sessionID, workflowID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartSessionSpan(ctx, sessionID, workflowID)

	logger := tel.Logger.WithSessionID(sessionID).WithWorkflowID(workflowID)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordSessionStarted(workflowID)
	_ = tel.Events.PublishSessionStarted(sessionID, workflowID)

	spanCtx = context.WithValue(spanCtx, sessionSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, sessionTimerKey{}, NewTimer())

	return spanCtx
}

// EndSessionContext completes the session context, recording metrics and events.
func EndSessionContext(ctx context.Context, sessionID, result string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(sessionSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(sessionTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel.Metrics.RecordSessionCompleted(result, duration)

	if err != nil {
		_ = tel.Events.PublishSessionFailed(sessionID, err.Error())
	} else {
		_ = tel.Events.PublishSessionCompleted(sessionID, result, duration)
	}
}

type handlerRunSpanKey struct{}
type handlerRunTimerKey struct{}

// WithHandlerRunContext creates a context enriched with handler-run-specific telemetry.
func WithHandlerRunContext(ctx context.Context, sessionID, handlerRunID, handlerType, phase string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartHandlerRunSpan(ctx, handlerRunID, handlerType, phase)

	logger := tel.Logger.
		WithSessionID(sessionID).
		WithHandlerRunID(handlerRunID).
		WithField("phase", phase)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishHandlerRunStarted(sessionID, handlerRunID, phase)

	spanCtx = context.WithValue(spanCtx, handlerRunSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, handlerRunTimerKey{}, NewTimer())

	return spanCtx
}

// EndHandlerRunContext completes the handler-run context, recording metrics and events.
func EndHandlerRunContext(ctx context.Context, sessionID, handlerRunID, handlerType, phase, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(handlerRunSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(handlerRunTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel.Metrics.RecordHandlerRun(handlerType, status, phase, duration)

	if err != nil {
		_ = tel.Events.PublishHandlerRunFailed(sessionID, handlerRunID, err.Error())
	} else {
		_ = tel.Events.PublishHandlerRunCompleted(sessionID, handlerRunID, duration)
	}
}

// WithToolContext creates a context enriched with tool-gate-specific telemetry.
func WithToolContext(ctx context.Context, toolName, operation string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	logger := tel.Logger.WithTool(toolName, operation)
	return logger.WithContext(ctx)
}

// RecordToolCall wraps a tool-gate call in a tracing span. It records no
// metric for the call.
func RecordToolCall(ctx context.Context, toolName, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartToolSpan(ctx, toolName, operation)
		defer span.End()
	}

	timer := NewTimer()

	err := fn()

	if tel != nil {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}
	_ = timer

	return err
}
