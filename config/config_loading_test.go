package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_unknown.toml")

	content := `
[store]
backend = "postgres"
typo_setting = 123

[store.postgres]
host = "db.internal"
user = "autocrypt"

[recommendation]
multi_recipient = true
another_unknown = "value"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile returned unexpected error: %v", err)
	}

	if cfg.Store.Backend != BackendPostgres {
		t.Errorf("Expected backend=postgres, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Postgres.Host != "db.internal" {
		t.Errorf("Expected host=db.internal, got %s", cfg.Store.Postgres.Host)
	}
	// Defaults not mentioned in the file survive.
	if cfg.Store.Postgres.Port != "5432" {
		t.Errorf("Expected default port 5432, got %s", cfg.Store.Postgres.Port)
	}
	if !cfg.Recommendation.MultiRecipient {
		t.Error("Expected multi_recipient to be true")
	}
}

func TestLoadConfigFromFile_TrimsStrings(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "trim.toml")
	content := `
[account]
base_dir = "  /var/lib/autocrypt  "

[http_api]
allowed_hosts = [" 127.0.0.1 ", "10.0.0.0/8 "]
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Account.BaseDir != "/var/lib/autocrypt" {
		t.Errorf("base_dir not trimmed: %q", cfg.Account.BaseDir)
	}
	if cfg.HTTPAPI.AllowedHosts[0] != "127.0.0.1" || cfg.HTTPAPI.AllowedHosts[1] != "10.0.0.0/8" {
		t.Errorf("allowed_hosts not trimmed: %q", cfg.HTTPAPI.AllowedHosts)
	}
}

func TestLoadConfigFromFile_InvalidBoolean(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(configPath, []byte("[http_api]\nstart = f\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(configPath, &cfg)
	if err == nil {
		t.Fatal("expected an error for invalid boolean")
	}
	if !strings.Contains(err.Error(), "HINT") {
		t.Errorf("expected a hint in the error, got: %v", err)
	}
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "redis" }, wantErr: "store.backend"},
		{name: "bad lock timeout", mutate: func(c *Config) { c.Store.LockTimeout = "soon" }, wantErr: "lock_timeout"},
		{name: "http api without key", mutate: func(c *Config) { c.HTTPAPI.Start = true }, wantErr: "api_key"},
		{name: "empty base dir", mutate: func(c *Config) { c.Account.BaseDir = "" }, wantErr: "base_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStoreConfigDurations(t *testing.T) {
	s := StoreConfig{}
	d, err := s.GetLockTimeout()
	if err != nil || d != 5*time.Second {
		t.Errorf("expected default 5s, got %v (%v)", d, err)
	}

	p := PostgresConfig{MaxConnLifetime: "2h", MaxConnIdleTime: "1d"}
	if d, _ := p.GetMaxConnLifetime(); d != 2*time.Hour {
		t.Errorf("expected 2h, got %v", d)
	}
	if d, _ := p.GetMaxConnIdleTime(); d != 24*time.Hour {
		t.Errorf("expected 24h, got %v", d)
	}
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv(BaseDirEnv, "/tmp/acct")
	cfg := NewDefaultConfig()
	cfg.ApplyEnvironment()
	if cfg.Account.BaseDir != "/tmp/acct" {
		t.Errorf("expected env override, got %q", cfg.Account.BaseDir)
	}
}

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{Host: "h", Port: "5433", User: "u", Password: "p", Name: "n", TLSMode: true}
	want := "postgres://u:p@h:5433/n?sslmode=require"
	if got := p.ConnString(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
