package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POOL_ADDRESS", "LfmssDyX6iZvbVqHv6t9P6JWXia2JG7mdb")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenPort != 3333 {
		t.Errorf("ListenPort = %d, want 3333", cfg.ListenPort)
	}
	if cfg.LitecoindPort != 9332 {
		t.Errorf("LitecoindPort = %d, want 9332", cfg.LitecoindPort)
	}
	if cfg.PoolTarget != 16 {
		t.Errorf("PoolTarget = %v, want 16", cfg.PoolTarget)
	}
	if cfg.Extranonce1Size != 4 || cfg.Extranonce2Size != 4 {
		t.Errorf("extranonce sizes = %d/%d, want 4/4", cfg.Extranonce1Size, cfg.Extranonce2Size)
	}
	if cfg.VardiffTarget != 30*time.Second {
		t.Errorf("VardiffTarget = %v, want 30s", cfg.VardiffTarget)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POOL_ADDRESS", "LfmssDyX6iZvbVqHv6t9P6JWXia2JG7mdb")
	t.Setenv("LISTEN_PORT", "3334")
	t.Setenv("POOL_TARGET", "32")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ADMIN_HOSTS", "10.0.0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenPort != 3334 {
		t.Errorf("ListenPort = %d, want 3334", cfg.ListenPort)
	}
	if cfg.PoolTarget != 32 {
		t.Errorf("PoolTarget = %v, want 32", cfg.PoolTarget)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v, want [k1:9092 k2:9092]", cfg.KafkaBrokers)
	}
	if len(cfg.AdminHosts) != 1 || cfg.AdminHosts[0] != "10.0.0.5" {
		t.Errorf("AdminHosts = %v, want [10.0.0.5]", cfg.AdminHosts)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "LISTEN_PORT", "70000"},
		{"zero pool target", "POOL_TARGET", "0"},
		{"oversized extranonce1", "EXTRANONCE1_SIZE", "16"},
		{"zero extranonce2", "EXTRANONCE2_SIZE", "0"},
		{"max below min difficulty", "MAX_DIFFICULTY", "0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POOL_ADDRESS", "LfmssDyX6iZvbVqHv6t9P6JWXia2JG7mdb")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s should fail validation", tt.key, tt.value)
			}
		})
	}
}

func TestValidationRequiresPoolAddress(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Error("Load() without POOL_ADDRESS should fail validation")
	}
}

func TestIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("POOL_ADDRESS", "LfmssDyX6iZvbVqHv6t9P6JWXia2JG7mdb")
	t.Setenv("LISTEN_PORT", "not-a-number")
	t.Setenv("VARDIFF_TARGET", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenPort != 3333 {
		t.Errorf("ListenPort = %d, want default 3333", cfg.ListenPort)
	}
	if cfg.VardiffTarget != 30*time.Second {
		t.Errorf("VardiffTarget = %v, want default 30s", cfg.VardiffTarget)
	}
}
