package app

import (
	"context"
	"io"
	"os"
	"testing"

	"allo/internal/config"
	"allo/internal/migrate"
)

func TestOpenMigratesAndFillsSecret(t *testing.T) {
	t.Setenv(SecretEnv, "")
	rt, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Auth.JWTSecret == "" || len(rt.Config.Auth.JWTSecret) < 32 {
		t.Fatalf("expected generated secret, got %q", rt.Config.Auth.JWTSecret)
	}
	st, err := migrate.CurrentStatus(context.Background(), rt.DB)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v", st.Pending)
	}
	if len(rt.Engine.Hooks) != 0 {
		t.Fatalf("expected no publish hooks by default, got %d", len(rt.Engine.Hooks))
	}
}

func TestOpenWiresEnabledReservation(t *testing.T) {
	ws := t.TempDir()
	yml := "reservation:\n  enabled: true\n  name: Desk\n  phone: \"0600000000\"\n"
	if err := os.WriteFile(config.Path(ws), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(SecretEnv, "from-env")
	rt, err := Open(context.Background(), Options{Workspace: ws, LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if len(rt.Engine.Hooks) != 1 {
		t.Fatalf("expected the reservation hook, got %d", len(rt.Engine.Hooks))
	}
}

func TestLoadConfigPrefersFileAndEnv(t *testing.T) {
	ws := t.TempDir()
	yml := "claims:\n  max_active: 2\nreservation:\n  enabled: false\n"
	if err := os.WriteFile(config.Path(ws), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(SecretEnv, "from-env")
	cfg, err := LoadConfig(Options{Workspace: ws})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Claims.MaxActive != 2 || cfg.Reservation.Enabled {
		t.Fatalf("workspace file not applied: %+v", cfg)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadConfigRejectsBadFile(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("claims:\n  max_active: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(Options{Workspace: ws}); err == nil {
		t.Fatalf("expected validation error")
	}
}
