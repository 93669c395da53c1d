package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a
// command run.
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

// Shutdown flushes events and spans and stops the metrics server. Every
// component is shut down; the errors are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// Flush forces pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer serves metrics if they are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger)
}

type executionKey struct{}

type executionScope struct {
	id      string
	command string
	span    trace.Span
	timer   *Timer
}

// WithExecutionContext starts telemetry for one command execution: a span,
// a logger tagged with the execution, a started counter and an event.
func WithExecutionContext(ctx context.Context, executionID, command string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartExecutionSpan(ctx, executionID, command)

	logger := tel.Logger.WithExecutionID(executionID).WithField("command", command)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordExecutionStarted(command)
	_ = tel.Events.PublishExecutionStarted(executionID, command)

	return context.WithValue(spanCtx, executionKey{}, &executionScope{
		id:      executionID,
		command: command,
		span:    span,
		timer:   NewTimer(),
	})
}

// EndExecutionContext completes the execution started by WithExecutionContext.
// outcome is the execution's final status; err is non-nil when the execution
// itself failed rather than individual items.
func EndExecutionContext(ctx context.Context, outcome string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	scope, ok := ctx.Value(executionKey{}).(*executionScope)
	if !ok {
		return
	}

	if err != nil {
		RecordError(scope.span, err)
	} else {
		RecordSuccess(scope.span)
	}
	scope.span.End()

	duration := scope.timer.Duration()
	tel.Metrics.RecordExecutionCompleted(scope.command, outcome, duration)

	if err != nil {
		_ = tel.Events.PublishExecutionFailed(scope.id, err.Error())
	} else {
		_ = tel.Events.PublishExecutionCompleted(scope.id, outcome, duration)
	}
}

// ExecutionID returns the execution ID stored by WithExecutionContext.
func ExecutionID(ctx context.Context) string {
	if scope, ok := ctx.Value(executionKey{}).(*executionScope); ok {
		return scope.id
	}
	return ""
}

type blockKey struct{}

type blockScope struct {
	name  string
	span  trace.Span
	timer *Timer
}

// WithBlockContext starts telemetry for a command block.
func WithBlockContext(ctx context.Context, block string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartBlockSpan(ctx, block)
	logger := FromContext(ctx).WithBlock(block)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishBlockStarted(ExecutionID(ctx), block)

	return context.WithValue(spanCtx, blockKey{}, &blockScope{
		name:  block,
		span:  span,
		timer: NewTimer(),
	})
}

// EndBlockContext completes the block started by WithBlockContext.
func EndBlockContext(ctx context.Context, outcome string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	scope, ok := ctx.Value(blockKey{}).(*blockScope)
	if !ok {
		return
	}

	if err != nil {
		RecordError(scope.span, err)
	} else {
		RecordSuccess(scope.span)
	}
	scope.span.End()

	duration := scope.timer.Duration()
	tel.Metrics.RecordBlock(scope.name, outcome, duration)
	_ = tel.Events.PublishBlockCompleted(ExecutionID(ctx), scope.name, duration)
}

// RecordItemFn runs fn as the named item function, with a span and
// duration metrics around it.
func RecordItemFn(ctx context.Context, itemID, fnName string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartItemSpan(ctx, itemID, fnName)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		tel.Metrics.RecordItemFn(fnName, err == nil, timer.Duration())
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
