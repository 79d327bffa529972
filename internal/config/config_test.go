package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", "testdata/missing.env")
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr: %q", cfg.ListenAddr)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("session ttl: %v", cfg.SessionTTL)
	}
	if cfg.StoreRetries != 3 || cfg.DefaultSkill != 1200 {
		t.Fatalf("unexpected defaults: retries=%d skill=%d", cfg.StoreRetries, cfg.DefaultSkill)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("ENV_FILE", "testdata/missing.env")
	t.Setenv("AUTH_DISABLED", "false")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV_FILE", "testdata/missing.env")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RECONNECT_GRACE", "5s")
	t.Setenv("ALLOWED_ORIGINS", "a.example, b.example")
	t.Setenv("DATABASE_URL", "sqlite:arena.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectGrace != 5*time.Second {
		t.Fatalf("grace: %v", cfg.ReconnectGrace)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsUnknownDatabaseScheme(t *testing.T) {
	t.Setenv("ENV_FILE", "testdata/missing.env")
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("DATABASE_URL", "mysql://x")
	if _, err := Load(); err == nil {
		t.Fatalf("expected scheme error")
	}
}
