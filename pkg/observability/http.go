package observability

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPError marks a tracked request as failed.
type HTTPError struct{ Status int }

func (e HTTPError) Error() string { return http.StatusText(e.Status) }

// HTTPMiddleware tracks every request as an http.request operation,
// continuing any trace propagated in the request headers.
// Responses with a 5xx status count as errors.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx, done := p.TrackOperation(ctx, "http.request",
			attribute.String("http.request.method", r.Method),
		)
		next.ServeHTTP(rec, r.WithContext(ctx))

		var err error
		if rec.status >= http.StatusInternalServerError {
			err = HTTPError{Status: rec.status}
		}
		done(err)
	})
}
