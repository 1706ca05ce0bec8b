// Package telemetry abstracts logging, metrics, and tracing so the core
// stays agnostic of the observability provider. Production deployments use
// the clue/OTEL-backed implementations; tests use the no-op ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger exposes leveled, context-aware logging.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, err error, msg string, keyvals ...any)
}

// Metrics exposes counter and timer helpers for core instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Tracer abstracts span creation. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the core.
const (
	// MetricChunksApplied counts chunks folded into accumulators.
	MetricChunksApplied = "chatcore.chunks.applied"
	// MetricStreamsCompleted counts streams that committed a message.
	MetricStreamsCompleted = "chatcore.streams.completed"
	// MetricStreamsCancelled counts streams discarded by cancellation.
	MetricStreamsCancelled = "chatcore.streams.cancelled"
	// MetricStreamsErrored counts streams ended by an absorbed error.
	MetricStreamsErrored = "chatcore.streams.errored"
	// MetricResumeAttempts counts resume attempts that reached the server.
	MetricResumeAttempts = "chatcore.resume.attempts"
	// MetricStreamDuration times a stream from start to terminal state.
	MetricStreamDuration = "chatcore.stream.duration"
)
