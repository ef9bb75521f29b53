package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/intellioptics/platform/internal/metrics"
)

// Metrics records request counts and latency per route. The route label is
// the matched chi pattern, never the raw path, so cardinality stays bounded.
// Mount it with Use on the chi router; the pattern is only known after
// routing has run.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordHTTPRequest(r.Method, route, status, float64(time.Since(start).Milliseconds()))
		}()

		next.ServeHTTP(ww, r)
	})
}
