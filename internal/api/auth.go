package api

import (
	"context"
	"net/http"
	"strings"

	"geofenced/internal/auth"
)

type principalKey struct{}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// authenticate attaches the verified principal to the request. It is a
// pass-through when no verifier is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if !s.opts.Auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.opts.Auth.Verify(bearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="geofenced"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requireRole rejects principals that may not act as role.
func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.opts.Auth.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := r.Context().Value(principalKey{}).(auth.Principal)
			if !ok || !p.Allows(role) {
				writeProblem(w, http.StatusForbidden, "Forbidden", "role "+role+" required", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
