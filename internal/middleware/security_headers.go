package middleware

import "net/http"

// DefaultSecurityHeaders returns the response headers the query surface
// sends on every response, since it is the one router a browser can reach
// directly. Grounded on
// _teacher/infrastructure/middleware/security_headers.go, trimmed to the
// headers that make sense for a JSON-only API (no CSP script/style
// directives to carry since there is no HTML surface to protect).
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
}

// SecurityHeaders sets a fixed set of response headers before the wrapped
// handler runs, so a failed/aborted handler still leaves them in place.
func SecurityHeaders(headers map[string]string) func(http.Handler) http.Handler {
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
