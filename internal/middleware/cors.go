// Package middleware provides HTTP middleware for the certflow API.
package middleware

import (
	"net/http"
	"strings"
)

const preflightMaxAge = "300"

// CORS returns middleware that handles cross-origin requests for the REST
// and SSE endpoints. Last-Event-ID is allowed so reconnecting stream
// clients can request replay.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed, explicit := originAllowed(allowedOrigins, origin)

			// Responses differ per origin, so caches must key on it.
			w.Header().Add("Vary", "Origin")

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				if explicit {
					// Credentials only for explicitly listed origins.
					// Combining them with a wildcard-echoed origin enables CSRF.
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed reports whether the origin may make cross-origin requests,
// and whether it matched an explicit allowlist entry rather than a wildcard.
func originAllowed(allowlist []string, origin string) (allowed, explicit bool) {
	if origin == "" {
		return false, false
	}
	for _, entry := range allowlist {
		switch {
		case entry == "*":
			allowed = true
		case strings.EqualFold(entry, origin):
			return true, true
		}
	}
	return allowed, false
}
