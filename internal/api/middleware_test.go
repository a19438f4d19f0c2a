package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, key []byte, issuer string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"sub": "admin",
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func protectedServer(t *testing.T, m *AuthMiddleware) *httptest.Server {
	t.Helper()
	handler := m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func requestWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRequireAdminAcceptsValidToken(t *testing.T) {
	key := []byte("test-signing-key")
	m := NewAuthMiddleware(key, "graphrelay", false)
	server := protectedServer(t, m)

	token := signToken(t, key, "graphrelay", time.Now().Add(time.Hour))
	resp := requestWithToken(t, server.URL, token)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRequireAdminRejectsMissingToken(t *testing.T) {
	m := NewAuthMiddleware([]byte("test-signing-key"), "graphrelay", false)
	server := protectedServer(t, m)

	resp := requestWithToken(t, server.URL, "")

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRequireAdminRejectsWrongKey(t *testing.T) {
	m := NewAuthMiddleware([]byte("test-signing-key"), "graphrelay", false)
	server := protectedServer(t, m)

	token := signToken(t, []byte("other-key"), "graphrelay", time.Now().Add(time.Hour))
	resp := requestWithToken(t, server.URL, token)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRequireAdminRejectsExpiredToken(t *testing.T) {
	key := []byte("test-signing-key")
	m := NewAuthMiddleware(key, "graphrelay", false)
	server := protectedServer(t, m)

	token := signToken(t, key, "graphrelay", time.Now().Add(-time.Hour))
	resp := requestWithToken(t, server.URL, token)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRequireAdminRejectsWrongIssuer(t *testing.T) {
	key := []byte("test-signing-key")
	m := NewAuthMiddleware(key, "graphrelay", false)
	server := protectedServer(t, m)

	token := signToken(t, key, "someone-else", time.Now().Add(time.Hour))
	resp := requestWithToken(t, server.URL, token)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRequireAdminSkippedInDevMode(t *testing.T) {
	m := NewAuthMiddleware(nil, "graphrelay", true)
	server := protectedServer(t, m)

	resp := requestWithToken(t, server.URL, "")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 in dev mode, got %d", resp.StatusCode)
	}
}
