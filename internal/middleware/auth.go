// Package middleware provides the HTTP middleware shared by the API
// server: bearer-token auth, role checks, CORS, request metrics and the
// login rate limit. Request IDs, logging and panic recovery come from the
// chi middleware stack.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/intellioptics/platform/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens TokenValidator
}

func NewJWTAuth(t TokenValidator) *JWTAuth {
	return &JWTAuth{tokens: t}
}

// Middleware verifies the bearer token and injects AuthContext. Only
// access tokens pass; refresh and fallback tokens are rejected here.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, errMsg := extractToken(r)
		if errMsg != "" {
			writeError(w, http.StatusUnauthorized, errMsg)
			return
		}

		claims, err := m.tokens.ValidateToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if claims.TokenType != tokens.Access {
			writeError(w, http.StatusUnauthorized, "token not valid for API access")
			return
		}

		ac := &AuthContext{
			UserID:  claims.UserID,
			Roles:   claims.Roles,
			TokenID: claims.ID,
		}

		ctx := WithAuthContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the request credential. Edge devices and the SDK send
// an x-api-token header instead of an Authorization header.
func extractToken(r *http.Request) (raw, errMsg string) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", "malformed authorization header"
		}
		return parts[1], ""
	}
	if t := r.Header.Get("x-api-token"); t != "" {
		return t, ""
	}
	return "", "missing bearer token"
}

// RequireRole guards a route subtree behind a role claim. It expects
// JWTAuth to have run already; a missing AuthContext reads as
// unauthenticated rather than forbidden.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuthContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !ac.HasRole(role) {
				writeError(w, http.StatusForbidden, "requires role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
