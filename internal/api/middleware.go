package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware validates admin bearer tokens on the management API.
// Tokens are HS256-signed JWTs issued out of band.
type AuthMiddleware struct {
	signingKey []byte
	issuer     string
	devMode    bool
}

// NewAuthMiddleware creates the middleware. In dev mode authentication
// is skipped entirely so local tooling can hit the API unauthenticated.
func NewAuthMiddleware(signingKey []byte, issuer string, devMode bool) *AuthMiddleware {
	if devMode {
		slog.Warn("Management API authentication disabled (dev mode)")
	}
	return &AuthMiddleware{
		signingKey: signingKey,
		issuer:     issuer,
		devMode:    devMode,
	}
}

// RequireAdmin ensures the request carries a valid admin token
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.devMode {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			WriteUnauthorized(w, "Authentication required")
			return
		}

		if err := m.validate(token); err != nil {
			slog.Debug("Admin token validation failed", "error", err)
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) validate(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("token invalid")
	}
	return nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
