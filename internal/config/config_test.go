package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithoutAConfigFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Fatalf("expected default listen_addr, got %q", cfg.ListenAddr)
	}
	if cfg.AdminAddr != ":7071" {
		t.Fatalf("expected default admin_addr, got %q", cfg.AdminAddr)
	}
	if cfg.RateLimit.Algorithm != "token-bucket" {
		t.Fatalf("expected default rate_limit.algorithm, got %q", cfg.RateLimit.Algorithm)
	}
	if cfg.Protocol.MinVersion != 1 || cfg.Protocol.MaxVersion != 1 {
		t.Fatalf("expected protocol range [1,1], got [%d,%d]", cfg.Protocol.MinVersion, cfg.Protocol.MaxVersion)
	}
	if cfg.JWT.SigningKey != "none" {
		t.Fatalf("expected jwt.signing_key default none, got %q", cfg.JWT.SigningKey)
	}
}

func TestLoadRejectsAnUnreadableConfigFile(t *testing.T) {
	if _, err := Load("/nonexistent/trebuchetd.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadReadsAuthorizationRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trebuchetd.yaml")
	raw := `authorization:
  rules:
    - role: admin
      actor_type: "*"
      method: "*"
    - role: viewer
      actor_type: "session-*"
      method: "read*"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Authorization.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Authorization.Rules))
	}
	first := cfg.Authorization.Rules[0]
	if first.Role != "admin" || first.ActorType != "*" || first.Method != "*" {
		t.Fatalf("unexpected first rule: %+v", first)
	}
	second := cfg.Authorization.Rules[1]
	if second.Role != "viewer" || second.ActorType != "session-*" || second.Method != "read*" {
		t.Fatalf("unexpected second rule: %+v", second)
	}
}

func TestLoadDefaultsToNoAuthorizationRules(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Authorization.Rules) != 0 {
		t.Fatalf("expected no default rules, got %+v", cfg.Authorization.Rules)
	}
}
