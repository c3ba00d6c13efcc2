package middleware

import (
	"net/http"

	"github.com/rpattn/jiracache/internal/recordcache"
)

// RecordLoader attaches a fresh record loader to every request context, so
// key lookups within one request are batched and memoized.
func RecordLoader(cache *recordcache.Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := recordcache.NewLoader(cache)
			ctx := recordcache.ContextWithLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
