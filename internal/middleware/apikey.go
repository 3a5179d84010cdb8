package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const viewIDContextKey contextKey = "fustor_view_id"

// ViewResolver maps an API key to the view it authorizes, returning ""
// if the key is unrecognised (spec.md §6.1 GET /session/ "Resolve
// view_id from API key").
type ViewResolver func(apiKey string) (viewID string, ok bool)

// APIKeyAuth rejects requests with a missing or unrecognised X-API-Key
// header and stashes the resolved view id in the request context for
// downstream handlers.
func APIKeyAuth(resolve ViewResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			viewID, ok := resolve(key)
			if key == "" || !ok {
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid X-API-Key")
				return
			}
			ctx := context.WithValue(r.Context(), viewIDContextKey, viewID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ViewIDFromContext returns the view id an APIKeyAuth middleware
// resolved for this request, if any.
func ViewIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(viewIDContextKey).(string)
	return v, ok
}
