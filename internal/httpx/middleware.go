package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HeaderXUserID carries the verified identity, injected by the edge proxy
// after authentication. The service trusts it blindly; anonymous requests
// never reach the identity-scoped routes.
const HeaderXUserID = "X-User-ID"

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

const contextKeyUserID contextKey = "user_id"

// Identity rejects requests without an X-User-ID header and stores the
// identity in the request context for handlers.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderXUserID)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+HeaderXUserID+" header")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID extracts the verified identity set by the Identity middleware.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyUserID).(string)
	return id
}

// Trace opens a span per request and tags it with the request ID chi
// assigned, so HTTP requests correlate with the downstream store and
// provider calls in the exported traces.
func Trace(next http.Handler) http.Handler {
	tracer := otel.Tracer("httpx")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request.id", middleware.GetReqID(ctx)),
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}
