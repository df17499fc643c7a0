package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.BatchSize != 20 {
		t.Fatalf("expected default batch size, got %d", cfg.Relay.BatchSize)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
relay:
  poll_interval: 250ms
  max_attempts: 3
listener:
  checkpoint_interval: 5
  genesis_block: 100
identities:
  default: operator
  routing:
    governance.: admin
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Relay.PollInterval.Std() != 250*time.Millisecond {
		t.Fatalf("poll interval: %v", cfg.Relay.PollInterval.Std())
	}
	if cfg.Relay.MaxAttempts != 3 {
		t.Fatalf("max attempts: %d", cfg.Relay.MaxAttempts)
	}
	if cfg.Listener.GenesisBlock != 100 {
		t.Fatalf("genesis: %d", cfg.Listener.GenesisBlock)
	}
	// untouched fields keep defaults
	if cfg.Relay.BatchSize != 20 {
		t.Fatalf("batch size default lost: %d", cfg.Relay.BatchSize)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := []string{
		"relay:\n  batch_size: 0\n",
		"relay:\n  max_attempts: -1\n",
		"relay:\n  backoff_base: 10s\n  backoff_cap: 1s\n",
		"listener:\n  consumer: \"\"\n",
		"identities:\n  default: \"\"\n",
		"alerts:\n  - url: \"\"\n",
	}
	for _, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("expected validation error for %q", doc)
		}
	}
}

func TestIdentityForLongestPrefix(t *testing.T) {
	cfg := Default()
	cfg.Identities.Routing = map[string]string{
		"account.":     "operator2",
		"account.kyc.": "admin",
	}
	if got := cfg.IdentityFor("account.kyc.approve"); got != "admin" {
		t.Fatalf("longest prefix should win, got %s", got)
	}
	if got := cfg.IdentityFor("account.open"); got != "operator2" {
		t.Fatalf("prefix match, got %s", got)
	}
	if got := cfg.IdentityFor("transfer.execute"); got != cfg.Identities.Default {
		t.Fatalf("default fallback, got %s", got)
	}
}

func TestIdentityNames(t *testing.T) {
	cfg := Default()
	names := cfg.IdentityNames()
	if len(names) != 2 || names[0] != "admin" || names[1] != "operator" {
		t.Fatalf("identity names: %v", names)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	doc := "relay:\n  batch_size: 7\n"
	if err := os.WriteFile(filepath.Join(dir, "ledgerbridge.yml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.BatchSize != 7 {
		t.Fatalf("batch size: %d", cfg.Relay.BatchSize)
	}
}
