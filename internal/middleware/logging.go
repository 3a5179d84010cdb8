// Package middleware provides the HTTP middleware chain the fusion
// ingestion and query routers share (SPEC_FULL.md §10.3).
//
// Adapted from _teacher/infrastructure/middleware: request logging,
// panic recovery, CORS, timeout and rate limiting, wired with
// gorilla/mux and golang.org/x/time/rate exactly as the teacher does.
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fustor-io/fustor/pkg/logger"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging logs every request's method, path, status and duration.
func Logging(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"duration": time.Since(start).String(),
			}).Info("request")
		})
	}
}
