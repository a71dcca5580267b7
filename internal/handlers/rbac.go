package handlers

import (
	"net/http"
	"os"

	"github.com/jameslbarnes/dshield/internal/auth"
)

// requireRole enforces RBAC the same way the control plane's audit routes
// always have: outside NODE_ENV=production the check is a no-op (so local
// and dev deployments without an OIDC provider configured still work), but
// in production the caller must be authenticated and hold one of roles.
// Returns a non-zero status code and message when the request should be
// rejected; the caller writes the error and returns.
func requireRole(r *http.Request, roles ...string) (int, string) {
	if os.Getenv("NODE_ENV") != "production" {
		return 0, ""
	}
	ai := auth.FromContext(r.Context())
	if ai == nil {
		return http.StatusUnauthorized, "unauthenticated"
	}
	if !auth.HasAnyRole(ai, roles...) {
		return http.StatusForbidden, "forbidden"
	}
	return 0, ""
}
