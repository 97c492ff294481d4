package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/auth"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
	"github.com/go-chi/jwtauth/v5"
)

func TestPrincipalCtxAndRequireAdmin(t *testing.T) {
	authCfg := config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret",
		Issuer:    "smartfleetlink",
		Audience:  "smartfleetlink",
		AdminRole: "admin",
	}
	tokenAuth := NewTokenAuth(authCfg)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatalf("missing principal in ctx")
		}
		if p.Subject != "u-1" {
			t.Fatalf("subject mismatch: %s", p.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})

	chain := jwtauth.Verifier(tokenAuth)(PrincipalCtx(authCfg)(RequireAdmin(authCfg)(handler)))

	// admin 角色的 token，应放行
	adminToken, _, err := auth.GenerateAccessToken(authCfg, "u-1", []string{"user", "admin"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/drivers", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// 只有 user 角色的 token，应被拒绝
	userToken, _, err := auth.GenerateAccessToken(authCfg, "u-2", []string{"user"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token2: %v", err)
	}
	req2 := httptest.NewRequest(http.MethodPost, "/api/drivers", nil)
	req2.Header.Set("Authorization", "Bearer "+userToken)
	rec2 := httptest.NewRecorder()
	chain.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec2.Code)
	}

	// 无 token，应 401
	req3 := httptest.NewRequest(http.MethodPost, "/api/drivers", nil)
	rec3 := httptest.NewRecorder()
	chain.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec3.Code)
	}
}

func TestRequireAuthPublicPath(t *testing.T) {
	authCfg := config.AuthConfig{
		Enabled:     true,
		JWTSecret:   "test-secret",
		PublicPaths: []string{"/healthz"},
	}

	handler := RequireAuth(authCfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected public path to pass, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/assignments/d-1", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", rec2.Code)
	}
}
