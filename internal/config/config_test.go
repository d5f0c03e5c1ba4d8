package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	dir := filepath.Join(root, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "creditd.ini"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8090" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("unexpected backend: %q", cfg.StoreBackend)
	}
	if cfg.WindowLimit != 80 || cfg.Window != 60*time.Second || cfg.PacingDelay != 100*time.Millisecond {
		t.Fatalf("unexpected limiter defaults: %+v", cfg)
	}
	if cfg.WelcomeBonusCents != 2000 {
		t.Fatalf("unexpected welcome bonus: %d", cfg.WelcomeBonusCents)
	}
	if cfg.RetryMaxRetries != 3 || cfg.RetryMaxDelay != 12*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if cfg.AuditInterval != 0 {
		t.Fatalf("audit must be disabled by default, got %v", cfg.AuditInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
# creditd settings
listen_addr = :9100
store_backend = sqlite
ledger_path = /var/lib/creditd/ledger.db
window_limit = 40
window = 30s
balance_ttl = 5m
welcome_bonus_cents = 1500
audit_interval = 1h
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.LedgerPath != "/var/lib/creditd/ledger.db" {
		t.Fatalf("unexpected ledger path: %q", cfg.LedgerPath)
	}
	if cfg.WindowLimit != 40 || cfg.Window != 30*time.Second {
		t.Fatalf("unexpected limiter config: %+v", cfg)
	}
	if cfg.BalanceTTL != 5*time.Minute {
		t.Fatalf("unexpected balance ttl: %v", cfg.BalanceTTL)
	}
	if cfg.WelcomeBonusCents != 1500 {
		t.Fatalf("unexpected welcome bonus: %d", cfg.WelcomeBonusCents)
	}
	if cfg.AuditInterval != time.Hour {
		t.Fatalf("unexpected audit interval: %v", cfg.AuditInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "listen_addr = :9100\nwelcome_bonus_cents = 1500\n")
	t.Setenv("CREDITD_LISTEN_ADDR", ":9999")
	t.Setenv("CREDITD_WELCOME_BONUS_CENTS", "2500")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("env override lost: %q", cfg.ListenAddr)
	}
	if cfg.WelcomeBonusCents != 2500 {
		t.Fatalf("env override lost: %d", cfg.WelcomeBonusCents)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "store_backend = oracle\n")
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "store_backend = postgres\n")
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}
