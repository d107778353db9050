package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		jwt    string
		want   string
	}{
		{"header", "", "practice_abc", "", "practice_abc"},
		{"query", "?tenant_id=clinic_xyz", "", "", "clinic_xyz"},
		{"jwt", "", "", "jwt_tenant", "jwt_tenant"},
		{"default", "", "", "", "default"},
		{"jwt wins", "?tenant_id=query", "header", "jwt", "jwt"},
		{"header over query", "?tenant_id=query", "header", "", "header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set(TenantHeader, tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != "" {
				c.Set("jwt_tenant_id", tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	for _, v := range []string{"abc", "practice_1", "A1B2"} {
		if !tenantIDPattern.MatchString(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	for _, v := range []string{"", "a-b", "a b", "x;DROP SCHEMA public", "../etc"} {
		if tenantIDPattern.MatchString(v) {
			t.Errorf("expected %q to be rejected", v)
		}
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "bad-tenant")
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := TenantMiddleware(nil, "default")(func(echo.Context) error {
		called = true
		return nil
	})(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if called {
		t.Error("handler must not run for an invalid tenant")
	}
}

func TestWithTenant_InvalidID(t *testing.T) {
	err := WithTenant(context.Background(), nil, "x;y", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for invalid tenant id")
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"", "a.b", "tenant-1"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil connection")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant")
	}
	ctx = context.WithValue(ctx, TenantIDKey, 42)
	if TenantFromContext(ctx) != "" {
		t.Error("wrong-typed value should be ignored")
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("acme"); got != "tenant_acme" {
		t.Errorf("expected tenant_acme, got %s", got)
	}
}

func TestLockConn(t *testing.T) {
	// No tenant connection: never blocks.
	LockConn(context.Background())()

	ctx := context.WithValue(context.Background(), connLockKey, &sync.Mutex{})
	unlock := LockConn(ctx)
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		LockConn(ctx)()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while the first held it")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}
