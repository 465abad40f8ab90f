package config

import (
	"os"
	"testing"
	"time"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Agent.PollInterval != 3*time.Second {
		t.Errorf("expected poll interval 3s, got %s", cfg.Agent.PollInterval)
	}
	if cfg.Agent.PollTimeout != 3*time.Minute {
		t.Errorf("expected poll timeout 3m, got %s", cfg.Agent.PollTimeout)
	}
	if cfg.Agent.Ledger != "dir" {
		t.Errorf("expected dir ledger, got %q", cfg.Agent.Ledger)
	}
	if cfg.Artifact.Driver != "disk" {
		t.Errorf("expected disk artifact driver, got %q", cfg.Artifact.Driver)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("AGENT_LEDGER", "redis")
	t.Setenv("AGENT_LEASE_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Agent.Ledger != "redis" {
		t.Errorf("expected redis ledger, got %q", cfg.Agent.Ledger)
	}
	if cfg.Agent.LeaseSecret != "s3cret" {
		t.Errorf("expected lease secret override, got %q", cfg.Agent.LeaseSecret)
	}
	if got := cfg.Database.DSN(); got != "host=db.internal port=6543 user=granite password= dbname=granite_erp sslmode=disable" {
		t.Errorf("unexpected dsn: %s", got)
	}
}
