package middleware

import (
	"net/http"
	"strings"
)

// SkipCompression wraps a compression middleware so that requests to the
// given path prefixes bypass it. Used for endpoints that compress their own
// output, such as the metrics handler.
func SkipCompression(compress func(http.Handler) http.Handler, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range prefixes {
				if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
