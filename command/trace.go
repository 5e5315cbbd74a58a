package command

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceContext encodes the trace context in ctx as W3C Trace Context
// carrier entries suitable for ActionEnvelope.TraceContext. It returns nil
// when ctx carries no valid trace context.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractTraceContext returns a context carrying the trace context encoded
// in tc. An empty carrier yields ctx unchanged.
func ExtractTraceContext(ctx context.Context, tc map[string]string) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(tc))
}
