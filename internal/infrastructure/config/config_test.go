package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

// === Config Tests ===

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal defaults: %v", err)
	}
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Memory.MaxContextTokens != 4096 {
		t.Fatalf("unexpected default context size: %d", cfg.Memory.MaxContextTokens)
	}
	if cfg.LLM.Timeout != 90*time.Second {
		t.Fatalf("unexpected default LLM timeout: %v", cfg.LLM.Timeout)
	}
	if cfg.State.InjectionLimits["task"] != 3 {
		t.Fatalf("unexpected injection limits: %+v", cfg.State.InjectionLimits)
	}
}

func TestValidateRejectsMissingLLM(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.LLM.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing llm.base_url")
	}
}

func TestValidateRejectsRatioOrder(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Memory.TargetRatio = 0.85 // above offload
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for target >= offload")
	}

	cfg = defaultConfig(t)
	cfg.Memory.OffloadRatio = 1.2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for offload >= 1.0")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VICW_MEMORY_MAX_CONTEXT_TOKENS", "8192")
	t.Setenv("VICW_LLM_BASE_URL", "http://llm:9000/v1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.MaxContextTokens != 8192 {
		t.Fatalf("env override not applied: %d", cfg.Memory.MaxContextTokens)
	}
	if cfg.LLM.BaseURL != "http://llm:9000/v1" {
		t.Fatalf("env override not applied: %s", cfg.LLM.BaseURL)
	}
}
