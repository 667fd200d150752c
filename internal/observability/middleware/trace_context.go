package middleware

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext extracts W3C trace context from Traceparent/Tracestate
// headers into the request context and surfaces trace_id/span_id in the
// request log. The proxy does not create spans of its own; it participates
// in the caller's trace so a renewal-triggered retry can be located in the
// caller's observability backend.
func TraceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		// Reading the SpanContext works without an active span.
		spanCtx := trace.SpanContextFromContext(ctx)
		if spanCtx.IsValid() {
			SetLogAttrs(ctx,
				slog.String("trace_id", spanCtx.TraceID().String()),
				slog.String("span_id", spanCtx.SpanID().String()),
			)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
