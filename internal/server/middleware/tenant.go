package middleware

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// RequireTenant rejects requests that reached it without a tenant scope.
// Every session lookup downstream is keyed by that tenant.
func RequireTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := IdentityFromContext(r.Context()); !ok {
				log.Debug().Str("path", r.URL.Path).Msg("middleware.RequireTenant: no tenant in context")
				writeProblem(w, http.StatusForbidden, "valid tenant required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeProblem writes a minimal problem+json body for rejections that happen
// before huma sees the request.
func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"title":%q,"status":%d,"detail":%q}`, http.StatusText(status), status, detail)
}
