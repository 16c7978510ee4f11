package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gitgate/gitgate"
)

type contextKey int

const userContextKey contextKey = iota

// WithAuth authenticates every request before it reaches the handler. Basic
// credentials are checked against the provider; a bearer token is resolved
// as a cookie token. The resolved user is placed in the request context.
func WithAuth(svc gitgate.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := authenticate(r, svc)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="gitgate"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects authenticated callers without the admin flag. It must
// run inside WithAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if !u.Admin {
			http.Error(w, "administrator access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromContext returns the authenticated user placed by WithAuth.
func UserFromContext(ctx context.Context) (*gitgate.User, bool) {
	u, ok := ctx.Value(userContextKey).(*gitgate.User)
	return u, ok
}

func authenticate(r *http.Request, svc gitgate.Service) (*gitgate.User, error) {
	if username, password, ok := r.BasicAuth(); ok {
		return svc.Authenticate(r.Context(), username, password)
	}
	if token := ExtractBearerToken(r.Header.Get("Authorization")); token != "" {
		return svc.AuthenticateCookie(r.Context(), token)
	}
	return nil, gitgate.ErrUnauthenticated
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}
