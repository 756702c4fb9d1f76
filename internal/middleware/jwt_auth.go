package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/technosupport/nvr-router/internal/auth"
	"github.com/technosupport/nvr-router/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens  TokenValidator
	revoked auth.RevocationList
}

// NewJWTAuth builds the bearer middleware. revoked may be nil.
func NewJWTAuth(t TokenValidator, revoked auth.RevocationList) *JWTAuth {
	return &JWTAuth{tokens: t, revoked: revoked}
}

// Middleware verifies the bearer token and injects AuthContext
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := m.tokens.ValidateToken(tokenString)
		if err != nil || claims.TokenType != tokens.Access {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if m.revoked != nil {
			isRevoked, err := m.revoked.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "token check unavailable")
				return
			}
			if isRevoked {
				respondError(w, http.StatusUnauthorized, "token revoked")
				return
			}
		}

		ac := &AuthContext{
			Subject: claims.Subject,
			TokenID: claims.ID,
			Scopes:  claims.Scopes,
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// RequireScope rejects callers whose token lacks scope. It must run after
// Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuthContext(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !slices.Contains(ac.Scopes, scope) {
				respondError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
