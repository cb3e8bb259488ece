package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	styleOpenAI = "openai"
	styleGemini = "gemini"

	defaultTTL            = 3 * time.Hour
	defaultExchangeBudget = 50
	defaultTimeout        = 90 * time.Second
	defaultContextFloor   = 32768
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Router       RouterConfig              `yaml:"router"`
	Registry     RegistryConfig            `yaml:"registry"`
	Consensus    ConsensusConfig           `yaml:"consensus"`
	Continuation ContinuationConfig        `yaml:"continuation"`
	Providers    map[string]ProviderConfig `yaml:"providers"`

	// FallbackProvider names the provider entry used for identifiers whose
	// provider has no dedicated configuration (passthrough invocation).
	FallbackProvider string `yaml:"fallback_provider"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RouterConfig carries the default-model policy: a fixed provider/model
// identifier, or the literal "auto" to enable heuristic routing.
type RouterConfig struct {
	DefaultModel string `yaml:"default_model"`
}

// RegistryConfig points at the model capability catalog.
type RegistryConfig struct {
	CatalogPath string `yaml:"catalog"`

	// ContextFloor is the conservative context window assumed for models
	// absent from the catalog.
	ContextFloor int `yaml:"context_floor"`
}

// ConsensusConfig tunes the consensus engine.
type ConsensusConfig struct {
	Synthesizer string   `yaml:"synthesizer"`
	Timeout     Duration `yaml:"timeout"`
}

// ContinuationConfig tunes the continuation store.
type ContinuationConfig struct {
	TTL            Duration `yaml:"ttl"`
	ExchangeBudget int      `yaml:"exchange_budget"`

	// DBPath enables durable persistence for records captured with
	// persist=true. Empty disables the SQLite backend.
	DBPath string `yaml:"db_path"`
}

// ProviderConfig captures authentication and transport info for a provider.
type ProviderConfig struct {
	Style   string  `yaml:"style"`
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Headers Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Duration wraps time.Duration so YAML values like "3h" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads YAML configuration from disk, applies defaults and validates
// the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Continuation.TTL == 0 {
		c.Continuation.TTL = Duration(defaultTTL)
	}
	if c.Continuation.ExchangeBudget == 0 {
		c.Continuation.ExchangeBudget = defaultExchangeBudget
	}
	if c.Consensus.Timeout == 0 {
		c.Consensus.Timeout = Duration(defaultTimeout)
	}
	if c.Registry.ContextFloor == 0 {
		c.Registry.ContextFloor = defaultContextFloor
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Router.DefaultModel) == "" {
		return fmt.Errorf("router.default_model must be set (a provider/model identifier or %q)", "auto")
	}

	if strings.TrimSpace(c.Registry.CatalogPath) == "" {
		return fmt.Errorf("registry.catalog must point at a model catalog file")
	}

	if strings.TrimSpace(c.Consensus.Synthesizer) == "" {
		return fmt.Errorf("consensus.synthesizer must name a provider/model identifier")
	}
	if c.Consensus.Timeout.Std() <= 0 {
		return fmt.Errorf("consensus.timeout must be positive, got %s", c.Consensus.Timeout.Std())
	}

	if c.Continuation.TTL.Std() <= 0 {
		return fmt.Errorf("continuation.ttl must be positive, got %s", c.Continuation.TTL.Std())
	}
	if c.Continuation.ExchangeBudget <= 0 {
		return fmt.Errorf("continuation.exchange_budget must be positive, got %d", c.Continuation.ExchangeBudget)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	for name, provider := range c.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if c.FallbackProvider != "" {
		if _, ok := c.Providers[c.FallbackProvider]; !ok {
			return fmt.Errorf("fallback_provider %q is not a configured provider", c.FallbackProvider)
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	switch provider.Style {
	case styleOpenAI:
		if strings.TrimSpace(provider.BaseURL) == "" {
			return fmt.Errorf("provider %s: base_url must be provided", name)
		}
	case styleGemini:
		// The Gen AI SDK resolves its own endpoint.
	default:
		return fmt.Errorf("provider %s: style %q must be one of %q or %q", name, provider.Style, styleOpenAI, styleGemini)
	}

	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
