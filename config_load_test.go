package relay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferro-labs/ai-relay/internal/strategies"
	"github.com/ferro-labs/ai-relay/providers"
)

func validProvider(id string, priority int) providers.Config {
	return providers.Config{
		ID:       id,
		Dialect:  providers.DialectChat,
		Endpoint: "https://api.example.com/v1",
		Model:    "gpt-4o-mini",
		Priority: priority,
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	data := `{
		"strategy": "round_robin",
		"max_attempts": 3,
		"circuit_breaker": {"failure_threshold": 3, "recovery_timeout": "30s"},
		"providers": [
			{"id": "primary", "dialect": "chat", "endpoint": "https://api.example.com/v1", "model": "gpt-4o-mini", "priority": 1, "credential_ref": "PRIMARY_KEY"},
			{"id": "local", "dialect": "generate", "endpoint": "http://localhost:11434", "model": "llama3", "priority": 2}
		]
	}`
	path := writeTempFile(t, "config.json", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Strategy != strategies.ModeRoundRobin {
		t.Errorf("expected mode %q, got %q", strategies.ModeRoundRobin, cfg.Strategy)
	}
	if cfg.MaxAttempts != 3 || cfg.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("unexpected limits: %+v", cfg)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[1].Dialect != providers.DialectGenerate {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
	if cfg.Providers[0].CredentialRef != "PRIMARY_KEY" {
		t.Errorf("credential_ref not loaded")
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	data := `
strategy: intelligent
rate_limit_cooldown: 2m
retry:
  attempts: 3
  initial_backoff: 100ms
providers:
  - id: primary
    dialect: chat
    endpoint: https://api.example.com/v1
    model: gpt-4o-mini
    priority: 1
    timeout: 10s
    temperature: 0.2
  - id: backup
    dialect: chat
    endpoint: https://backup.example.com/v1
    model: gpt-4o-mini
    priority: 2
    enabled: false
`
	path := writeTempFile(t, "config.yaml", data)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Strategy != strategies.ModeIntelligent {
		t.Errorf("expected mode %q, got %q", strategies.ModeIntelligent, cfg.Strategy)
	}
	if cfg.rateLimitCooldown() != 2*time.Minute {
		t.Errorf("expected 2m cooldown, got %s", cfg.rateLimitCooldown())
	}
	if p := cfg.Retry.policy(); p.Attempts != 3 || p.InitialBackoff != 100*time.Millisecond {
		t.Errorf("unexpected retry policy: %+v", p)
	}
	if cfg.Providers[0].TimeoutDuration() != 10*time.Second {
		t.Errorf("expected 10s timeout, got %s", cfg.Providers[0].TimeoutDuration())
	}
	if cfg.Providers[0].Temperature == nil || *cfg.Providers[0].Temperature != 0.2 {
		t.Errorf("temperature not loaded")
	}
	if cfg.Providers[1].IsEnabled() {
		t.Errorf("expected backup to be disabled")
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeTempFile(t, "bad.json", `{invalid`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	path := writeTempFile(t, "config.toml", "key = value")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestValidateConfig_DefaultsToPriority(t *testing.T) {
	cfg := Config{Providers: []providers.Config{validProvider("a", 1)}}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.strategy() != strategies.ModePriority {
		t.Errorf("expected priority default, got %q", cfg.strategy())
	}
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		is   error
	}{
		{name: "no providers", cfg: Config{}},
		{name: "unknown strategy", cfg: Config{Strategy: "random", Providers: []providers.Config{validProvider("a", 1)}}},
		{name: "negative attempts", cfg: Config{MaxAttempts: -1, Providers: []providers.Config{validProvider("a", 1)}}},
		{name: "bad cooldown", cfg: Config{RateLimitCooldown: "soon", Providers: []providers.Config{validProvider("a", 1)}}},
		{name: "zero recovery timeout", cfg: Config{CircuitBreaker: CircuitBreakerConfig{RecoveryTimeout: "0s"}, Providers: []providers.Config{validProvider("a", 1)}}},
		{
			name: "duplicate ids",
			cfg:  Config{Providers: []providers.Config{validProvider("a", 1), validProvider("a", 2)}},
			is:   providers.ErrDuplicateID,
		},
		{
			name: "unknown dialect",
			cfg: Config{Providers: []providers.Config{func() providers.Config {
				p := validProvider("a", 1)
				p.Dialect = "grpc"
				return p
			}()}},
			is: providers.ErrUnknownDialect,
		},
		{
			name: "all disabled",
			cfg: Config{Providers: []providers.Config{func() providers.Config {
				p := validProvider("a", 1)
				off := false
				p.Enabled = &off
				return p
			}()}},
			is: providers.ErrNoActiveProviders,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v, got %v", tt.is, err)
			}
		})
	}
}

func TestCircuitBreakerConfig_Defaults(t *testing.T) {
	s := CircuitBreakerConfig{}.settings()
	if s.FailureThreshold != DefaultFailureThreshold || s.SuccessThreshold != DefaultSuccessThreshold || s.RecoveryTimeout != DefaultRecoveryTimeout {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
