package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/ai-relay/providers"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness. Provider records are
// checked the same way NewRegistry checks them.
func ValidateConfig(cfg Config) error {
	if !cfg.strategy().Valid() {
		return fmt.Errorf("unknown strategy mode: %q", cfg.Strategy)
	}
	if cfg.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if cfg.ErrorHistorySize < 0 {
		return fmt.Errorf("error_history_size must not be negative")
	}
	if cfg.CircuitBreaker.FailureThreshold < 0 || cfg.CircuitBreaker.SuccessThreshold < 0 {
		return fmt.Errorf("circuit_breaker thresholds must not be negative")
	}
	if cfg.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must not be negative")
	}

	durations := []struct{ name, value string }{
		{"rate_limit_cooldown", cfg.RateLimitCooldown},
		{"circuit_breaker.recovery_timeout", cfg.CircuitBreaker.RecoveryTimeout},
		{"retry.initial_backoff", cfg.Retry.InitialBackoff},
		{"retry.max_backoff", cfg.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if err := checkDuration(d.name, d.value); err != nil {
			return err
		}
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	if _, err := providers.NewRegistry(cfg.Providers); err != nil {
		return err
	}
	return nil
}

func checkDuration(name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return errors.New(name + " must be positive")
	}
	return nil
}
