package middleware

import (
	"net/http"

	"clinic-reconciler/pkg/jwt"
	"clinic-reconciler/pkg/response"
)

// RequireScope lets a request through when the token grants any of the
// listed scopes. Scopes are read from context (set by AuthMiddleware).
func RequireScope(allowed ...jwt.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes, ok := GetScopesFromContext(r.Context())
			if !ok {
				response.Fail(w, http.StatusUnauthorized, "Scope information not found", nil)
				return
			}

			granted := false
			for _, want := range allowed {
				for _, have := range scopes {
					if have == want {
						granted = true
						break
					}
				}
			}

			if !granted {
				response.Fail(w, http.StatusForbidden, "You don't have permission to access this resource", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRunner guards endpoints that write.
func RequireRunner(next http.Handler) http.Handler {
	return RequireScope(jwt.ScopeReconcileRun)(next)
}

// RequireReader guards read-only endpoints. Runners may read too.
func RequireReader(next http.Handler) http.Handler {
	return RequireScope(jwt.ScopeReconcileRead, jwt.ScopeReconcileRun)(next)
}
