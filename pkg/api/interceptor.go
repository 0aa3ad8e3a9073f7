package api

import (
	"net/http"

	"github.com/cuemby/steward/pkg/log"
)

// readOnlyMethods are the HTTP methods the server answers
var readOnlyMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
}

// ReadOnly wraps next so that only read-only requests reach it. Domains are
// changed through the store, never through this server.
func ReadOnly(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isReadOnlyMethod(r.Method) {
			logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Rejected write request")
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isReadOnlyMethod checks if an HTTP method is read-only
func isReadOnlyMethod(method string) bool {
	return readOnlyMethods[method]
}
