package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestValidatePoolAddress covers the P2PKH shape checks.
func TestValidatePoolAddress(t *testing.T) {
	valid := "1" + strings.Repeat("a", 25)
	if err := validatePoolAddress(valid); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}

	cases := []string{
		"",
		"1short",
		"3" + strings.Repeat("a", 25),                // wrong prefix
		"1" + strings.Repeat("a", 40),                // too long
		"1" + strings.Repeat("a", 20) + "0OIl" + "a", // forbidden base58 chars
	}
	for _, addr := range cases {
		if err := validatePoolAddress(addr); err == nil {
			t.Fatalf("address %q accepted", addr)
		}
	}
}

// TestLoadConfigCreatesDefault verifies a missing file is materialized with
// defaults and loads cleanly on the second pass.
func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := loadConfig(path)
	if cfg.StratumPort != defaultStratumPort {
		t.Fatalf("default port %d, want %d", cfg.StratumPort, defaultStratumPort)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}

	again := loadConfig(path)
	if again.StratumPort != cfg.StratumPort || again.Algorithm != cfg.Algorithm {
		t.Fatal("reloaded config differs from generated defaults")
	}
}

// TestLoadConfigPartialOverride checks a file that names only some keys
// leaves everything else at the defaults.
func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[stratum]
port = 4444

[pool]
pool_address = "1` + strings.Repeat("a", 25) + `"
fee_percent = 2.5

[vardiff]
target_seconds = 10.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadConfig(path)
	if cfg.StratumPort != 4444 {
		t.Fatalf("port %d, want 4444", cfg.StratumPort)
	}
	if cfg.PoolFeePercent != 2.5 {
		t.Fatalf("fee %f, want 2.5", cfg.PoolFeePercent)
	}
	if cfg.VardiffTargetSeconds != 10.0 {
		t.Fatalf("vardiff target %f, want 10", cfg.VardiffTargetSeconds)
	}
	// Untouched keys keep their defaults.
	if cfg.ShareTimeout != defaultShareTimeout {
		t.Fatalf("share timeout %v, want %v", cfg.ShareTimeout, defaultShareTimeout)
	}
	if cfg.ConfirmInterval != 2*time.Minute {
		t.Fatalf("confirm interval %v, want 2m", cfg.ConfirmInterval)
	}

	if err := validateConfig(cfg); err != nil {
		t.Fatalf("config with valid pool address rejected: %v", err)
	}
}

// TestValidateConfigRejectsBadValues spot-checks the startup validations.
func TestValidateConfigRejectsBadValues(t *testing.T) {
	base := defaultConfig()
	base.PoolAddress = "1" + strings.Repeat("a", 25)

	cfg := base
	cfg.StratumPort = 0
	if err := validateConfig(cfg); err == nil {
		t.Fatal("zero port accepted")
	}

	cfg = base
	cfg.Algorithm = "sha256d"
	if err := validateConfig(cfg); err == nil {
		t.Fatal("foreign algorithm accepted")
	}

	cfg = base
	cfg.PoolFeePercent = 101
	if err := validateConfig(cfg); err == nil {
		t.Fatal("fee over 100%% accepted")
	}

	cfg = base
	cfg.PoolAddress = ""
	if err := validateConfig(cfg); err == nil {
		t.Fatal("missing pool address accepted")
	}
}
