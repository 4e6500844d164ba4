package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// MergeContext copies the Clue logger, baggage and span context carried by
// from into base. Runs use it to outlive the request that started them while
// keeping its log fields and trace linkage. A nil from returns base.
func MergeContext(base, from context.Context) context.Context {
	if from == nil {
		return base
	}
	if base == nil {
		base = context.Background()
	}
	base = log.WithContext(base, from)
	if bag := baggage.FromContext(from); bag.Len() > 0 {
		base = baggage.ContextWithBaggage(base, bag)
	}
	if sc := trace.SpanContextFromContext(from); sc.IsValid() {
		base = trace.ContextWithSpanContext(base, sc)
	}
	return base
}
