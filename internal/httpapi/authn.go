package httpapi

import (
	"net/http"
	"strings"

	"medguard.org/internal/auth"
)

const authHeader = "Authorization"

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
}

// withAuth requires a valid bearer token on every non-public path and puts
// the principal into the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := auth.BearerToken(r.Header.Get(authHeader))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medguard"`)
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := a.verifier.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medguard", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// authorize resolves the caller's effective permissions against the current
// policy and requires at least one of perms. It writes the error response
// and returns false when the caller is not allowed.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, perms ...string) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return auth.Principal{}, false
	}
	if len(perms) > 0 && !a.admin.Effective(p.UserID).HasAny(perms...) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return auth.Principal{}, false
	}
	return p, true
}

func isPublicPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
