package auth

import (
	"testing"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
)

func TestGenerateAndParseAccessToken(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret",
		Issuer:    "smartfleetlink",
		Audience:  "smartfleetlink",
		AdminRole: "admin",
	}

	token, exp, err := GenerateAccessToken(cfg, "u-1", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	if exp.Before(time.Now()) {
		t.Fatalf("expected exp in future")
	}

	p, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if p.Subject != "u-1" {
		t.Fatalf("subject mismatch: %s", p.Subject)
	}
	if !p.IsAdmin(cfg) {
		t.Fatalf("expected admin principal")
	}

	if _, err := ParseAccessToken(config.AuthConfig{JWTSecret: "other-secret"}, token); err == nil {
		t.Fatalf("expected parse failure with wrong secret")
	}
}

func TestPrincipalHasRole(t *testing.T) {
	p := Principal{Subject: "u-2", Roles: []string{"Contractor", "dispatcher"}}
	if !p.HasRole("contractor") {
		t.Fatalf("expected role match to be case-insensitive")
	}
	if p.HasRole("admin") {
		t.Fatalf("did not expect admin role")
	}
	if p.IsAdmin(config.AuthConfig{AdminRole: "admin"}) {
		t.Fatalf("did not expect admin principal")
	}
}
