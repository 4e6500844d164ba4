// Package telemetry defines the logging, metrics and tracing surfaces used by
// the session runtime. The default implementations delegate to Clue and
// OpenTelemetry; the no-op variants are meant for tests.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger is the structured logger used by runtime packages. Key/value pairs
	// are passed as alternating arguments.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags are alternating key/value
	// strings.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names shared by the runtime packages.
const (
	MetricRunsStarted       = "agentd.runs.started"
	MetricRunsFinished      = "agentd.runs.finished"
	MetricRunDuration       = "agentd.runs.duration"
	MetricLeaseConflict     = "agentd.leases.conflicts"
	MetricTapEvicted        = "agentd.mux.taps_evicted"
	MetricCacheDegraded     = "agentd.cache.degraded"
	MetricSessionsRecovered = "agentd.sessions.recovered"
)
