package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runMiddleware(t *testing.T, cfg JWTConfig, authHeader string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	err := JWTMiddleware(cfg)(func(echo.Context) error {
		called = true
		return nil
	})(c)
	return c, called, err
}

func TestJWTMiddleware_NoHeaderPassesThrough(t *testing.T) {
	c, called, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "")
	if err != nil || !called {
		t.Fatalf("expected pass-through, got err=%v called=%v", err, called)
	}
	if c.Get("jwt_tenant_id") != nil {
		t.Error("no tenant should be set without a token")
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
	}, testSigningKey)

	c, called, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	if err != nil || !called {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Get("jwt_tenant_id") != "acme" {
		t.Errorf("expected tenant acme, got %v", c.Get("jwt_tenant_id"))
	}
	if got := UserIDFromContext(c.Request().Context()); got != "user-7" {
		t.Errorf("expected user-7, got %q", got)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		TenantID:         "acme",
	}, testSigningKey)
	wrongKey := createTestToken(t, Claims{TenantID: "acme"}, []byte("another-key"))
	wrongIssuer := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}, testSigningKey)

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
		{"wrong issuer", "Bearer " + wrongIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, called, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey, Issuer: "practice-idp"}, tt.header)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", err)
			}
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestJWTMiddleware_NoSigningKey(t *testing.T) {
	_, _, err := runMiddleware(t, JWTConfig{}, "Bearer abc")
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	_, called, err := runMiddleware(t, cfg, "Bearer garbage")
	if err != nil || !called {
		t.Fatalf("skipped request should pass, got %v", err)
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/health", "/health/db", "/api/v1/calendar/oauth/callback"} {
		if !IsPublicPath(p) {
			t.Errorf("expected %s to be public", p)
		}
	}
	if IsPublicPath("/api/v1/appointments") {
		t.Error("appointments must not be public")
	}
}

func TestUserIDFromContext_Empty(t *testing.T) {
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty user id")
	}
}
