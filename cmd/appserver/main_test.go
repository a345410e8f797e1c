package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orion-trading/tec/internal/config"
)

func TestApplyAddr(t *testing.T) {
	cases := []struct {
		name     string
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "empty keeps config", addr: "", wantHost: "0.0.0.0", wantPort: 8080},
		{name: "host and port", addr: "127.0.0.1:9000", wantHost: "127.0.0.1", wantPort: 9000},
		{name: "port only keeps host", addr: ":9001", wantHost: "0.0.0.0", wantPort: 9001},
		{name: "garbage rejected", addr: "not-an-addr", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.New()
			err := applyAddr(cfg, tc.addr)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("applyAddr(%q) expected error", tc.addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("applyAddr(%q): %v", tc.addr, err)
			}
			if cfg.Server.Host != tc.wantHost || cfg.Server.Port != tc.wantPort {
				t.Fatalf("applyAddr(%q) = %s:%d, want %s:%d", tc.addr, cfg.Server.Host, cfg.Server.Port, tc.wantHost, tc.wantPort)
			}
		})
	}
}

func TestLoadConfigDefaultsWhenNoFile(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Outbox.MaxRetries != 10 {
		t.Fatalf("expected default outbox retry cap 10, got %d", cfg.Outbox.MaxRetries)
	}
}

func TestLoadConfigYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "server:\n  port: 9100\ndatabase:\n  dsn: postgres://cfg\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	os.Unsetenv("DATABASE_URL")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("expected port 9100 from file, got %d", cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://cfg" {
		t.Fatalf("expected DSN from file, got %q", cfg.Database.DSN)
	}
}
