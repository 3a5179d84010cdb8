package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fustor-io/fustor/internal/metrics"
)

// Metrics records RequestsTotal/RequestDuration/RequestsInFlight for
// every request, relabelled from _teacher/infrastructure/middleware's
// bare net/http instrumentation onto internal/metrics.Metrics.
func Metrics(m *metrics.Metrics, service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementInFlight()
			defer m.DecrementInFlight()

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(service, r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}
