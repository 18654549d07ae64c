package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Claims.MaxActive != 4 {
		t.Fatalf("expected max_active 4, got %d", cfg.Claims.MaxActive)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Fatalf("expected 24h ttl, got %s", cfg.Auth.TokenTTL)
	}
	if cfg.Reservation.Enabled || cfg.Reservation.Name != "" || cfg.Reservation.Phone != "" {
		t.Fatalf("expected an empty, disabled reservation by default: %+v", cfg.Reservation)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("claims:\n  max_active: 2\nreservation:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Claims.MaxActive != 2 {
		t.Fatalf("expected max_active 2, got %d", cfg.Claims.MaxActive)
	}
	if cfg.Reservation.Enabled {
		t.Fatalf("expected reservation disabled")
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("expected default base path kept, got %q", cfg.Server.BasePath)
	}
}

func TestEnabledReservationParses(t *testing.T) {
	doc := "reservation:\n  enabled: true\n  name: Desk\n  phone: \"0600000000\"\n  building: i09\n  room: \"02\"\n"
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Reservation.Enabled || cfg.Reservation.Theme != "FOOD" || cfg.Reservation.Phone != "0600000000" {
		t.Fatalf("unexpected reservation: %+v", cfg.Reservation)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"max_active":  "claims:\n  max_active: 0\n",
		"phone":       "reservation:\n  enabled: true\n  name: Desk\n  phone: \"\"\n",
		"name":        "reservation:\n  enabled: true\n  phone: \"0600000000\"\n",
		"theme":       "reservation:\n  enabled: true\n  name: Desk\n  phone: \"0600000000\"\n  theme: PIZZA\n",
		"log format":  "log:\n  format: xml\n",
		"base path":   "server:\n  base_path: v1\n",
		"invalid doc": "claims: [",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Claims.MaxActive != 4 {
		t.Fatalf("expected defaults, got %+v", cfg.Claims)
	}
	if err := os.WriteFile(filepath.Join(dir, "allo.yml"), []byte("claims:\n  max_active: 7\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Claims.MaxActive != 7 {
		t.Fatalf("expected file value, got %d", cfg.Claims.MaxActive)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	if !strings.Contains(GenerateDefault(), "max_active") {
		t.Fatalf("template missing claims section")
	}
	if _, err := FromYAML([]byte(GenerateDefault())); err != nil {
		t.Fatalf("template invalid: %v", err)
	}
}
