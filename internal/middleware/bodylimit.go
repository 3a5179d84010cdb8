package middleware

import "net/http"

const defaultMaxRequestBodyBytes int64 = 8 << 20 // 8MiB

// BodyLimit caps request bodies so an oversized event batch can't exhaust
// server memory before the JSON decoder even runs. Grounded on
// _teacher/infrastructure/middleware/bodylimit.go's http.MaxBytesReader
// wrapping; maxBytes <= 0 falls back to the teacher's 8MiB default.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
