package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// contextKey prevents collisions with context keys of other packages.
type contextKey string

const (
	HeaderXRequestID = "X-Request-Id"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = "x-request-id"
)

// RequestIDFromContext returns the request id stored by AttachTracingMetadata.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

// AttachTracingMetadata continues the caller's W3C trace, starts a server
// span for the request and exposes the chi request id on the context and the
// response.
func AttachTracingMetadata(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/descoped/linked-data-store-core/internal/server/httpx")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.request_id", requestID),
			))
		defer span.End()

		ctx = context.WithValue(ctx, ContextKeyRequestID, requestID)
		if requestID != "" {
			w.Header().Set(HeaderXRequestID, requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))

		if rc := chi.RouteContext(ctx); rc != nil {
			span.SetAttributes(attribute.String("http.route", rc.RoutePattern()))
		}
	})
}
