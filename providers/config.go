package providers

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Dialect selects the wire shape used to talk to a provider.
type Dialect string

const (
	// DialectChat is an OpenAI-compatible chat-completions endpoint: a list
	// of role/content messages in, one assistant message out.
	DialectChat Dialect = "chat"
	// DialectGenerate is a single-prompt endpoint (Ollama /api/generate):
	// one combined prompt in, one response field out.
	DialectGenerate Dialect = "generate"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
)

// ErrUnknownDialect is returned for a Config whose dialect is neither chat
// nor generate.
var ErrUnknownDialect = errors.New("unknown provider dialect")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config describes one provider. CredentialRef names the secret (an
// environment variable by default); the secret itself is never stored here.
type Config struct {
	ID                string   `json:"id" yaml:"id" validate:"required"`
	Name              string   `json:"name,omitempty" yaml:"name,omitempty"`
	Dialect           Dialect  `json:"dialect" yaml:"dialect"`
	Endpoint          string   `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	Model             string   `json:"model" yaml:"model" validate:"required"`
	CredentialRef     string   `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"`
	Priority          int      `json:"priority" yaml:"priority" validate:"gt=0"`
	Timeout           string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Enabled           *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	RequestsPerSecond float64  `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty" validate:"gte=0"`
}

// DisplayName returns Name, falling back to ID.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// IsEnabled reports whether the provider takes part in selection. Providers
// are enabled unless explicitly disabled.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TimeoutDuration returns the per-call timeout, DefaultTimeout when unset or
// unparsable.
func (c Config) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

func (c Config) clone() Config {
	if c.Temperature != nil {
		t := *c.Temperature
		c.Temperature = &t
	}
	if c.Enabled != nil {
		e := *c.Enabled
		c.Enabled = &e
	}
	return c
}

// maxTokens returns MaxTokens or DefaultMaxTokens.
func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

func (c Config) temperature() float64 {
	if c.Temperature != nil {
		return *c.Temperature
	}
	return DefaultTemperature
}

// Validate checks required fields, the dialect and the timeout format.
func (c Config) Validate() error {
	switch c.Dialect {
	case DialectChat, DialectGenerate:
	default:
		return fmt.Errorf("provider %q: %w %q", c.ID, ErrUnknownDialect, c.Dialect)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("provider %q: %w", c.ID, err)
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("provider %q: invalid timeout %q: %w", c.ID, c.Timeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("provider %q: timeout must be positive", c.ID)
		}
	}
	return nil
}
