package main

import (
	"net/http"
	"strings"

	httpapi "github.com/hperssn/modtrack/internal/http"
	"github.com/hperssn/modtrack/internal/logging"
)

// operatorHeaders are checked in order. Traefik BasicAuth sets X-Auth-User.
var operatorHeaders = []string{"X-Auth-User", "X-Forwarded-User", "Remote-User"}

const anonymousOperator = "anonymous"

func operatorFromHeaders(h http.Header) string {
	for _, name := range operatorHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// operatorMiddleware attaches the operator named by the authenticating proxy
// to the request context. When required, board changes without an operator
// are refused; reads stay open for wall displays.
func operatorMiddleware(logger logging.Logger, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator := operatorFromHeaders(r.Header)
			if operator == "" {
				if required && r.Method != http.MethodGet && r.Method != http.MethodHead {
					logger.Warn("rejecting request without operator", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				operator = anonymousOperator
			}

			next.ServeHTTP(w, r.WithContext(httpapi.WithOperator(r.Context(), operator)))
		})
	}
}
