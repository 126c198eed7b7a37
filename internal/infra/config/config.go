package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthType describes how a builtin provider authenticates requests.
type AuthType string

const (
	// AuthNone: no credential required. Local daemon providers (ollama,
	// lmstudio) additionally require the explicit "enabled" marker in the
	// credential map before they count as available.
	AuthNone AuthType = "none"
	// AuthBearer: Authorization: Bearer <key>.
	AuthBearer AuthType = "bearer"
	// AuthAPIKeyHeader: x-api-key style header.
	AuthAPIKeyHeader AuthType = "x-api-key"
	// AuthManaged: the application supplies its own token out of band;
	// the provider is always available without user credentials.
	AuthManaged AuthType = "managed"
)

// ProtocolType names the wire protocol a provider speaks.
type ProtocolType string

const (
	ProtocolOpenAICompatible ProtocolType = "openai"
	ProtocolAnthropic        ProtocolType = "anthropic"
	ProtocolGemini           ProtocolType = "gemini"
)

// PoolConfig tunes HTTP connection pooling per provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig defines one builtin provider.
type ProviderConfig struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Protocol ProtocolType `yaml:"protocol"`
	BaseURL  string       `yaml:"base_url"`
	AuthType AuthType     `yaml:"auth_type"`

	// SupportsOAuth marks providers whose OAuth token unlocks the
	// alternate backend (the Codex responses API for openai).
	SupportsOAuth bool `yaml:"supports_oauth,omitempty"`

	// Alternate endpoints selected by user settings.
	SupportsCodingPlan    bool   `yaml:"supports_coding_plan,omitempty"`
	CodingPlanBaseURL     string `yaml:"coding_plan_base_url,omitempty"`
	SupportsInternational bool   `yaml:"supports_international,omitempty"`
	InternationalBaseURL  string `yaml:"international_base_url,omitempty"`

	// Headers are merged into every request to this provider.
	Headers map[string]string `yaml:"headers,omitempty"`
	// ExtraBody is merged into every request body for this provider.
	ExtraBody map[string]any `yaml:"extra_body,omitempty"`

	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
	Pool        PoolConfig    `yaml:"pool,omitempty"`
}

// CustomProviderConfig is a user-configured OpenAI-compatible provider.
type CustomProviderConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`
}

// ModelPricing holds per-million-token prices as decimal strings.
type ModelPricing struct {
	Input         string `yaml:"input"`
	Output        string `yaml:"output"`
	CachedInput   string `yaml:"cached_input,omitempty"`
	CacheCreation string `yaml:"cache_creation,omitempty"`
}

// ModelConfig describes one model key in the models configuration.
type ModelConfig struct {
	Name        string `yaml:"name"`
	ImageInput  bool   `yaml:"image_input,omitempty"`
	ImageOutput bool   `yaml:"image_output,omitempty"`
	AudioInput  bool   `yaml:"audio_input,omitempty"`
	VideoInput  bool   `yaml:"video_input,omitempty"`

	// Providers lists provider ids able to serve this model, in
	// preference order. Resolution iterates this list in declared
	// order, never registry order.
	Providers []string `yaml:"providers"`

	// ProviderMappings renames the model per provider (key -> upstream
	// model name). Missing entries fall back to the model key itself.
	ProviderMappings map[string]string `yaml:"provider_mappings,omitempty"`

	Pricing       *ModelPricing `yaml:"pricing,omitempty"`
	ContextLength int           `yaml:"context_length,omitempty"`
}

// ModelsConfig is the full model catalog.
type ModelsConfig struct {
	Version string                 `yaml:"version"`
	Models  map[string]ModelConfig `yaml:"models"`
}

// LoggerConfig configures the slog logger.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// TraceStoreConfig configures the persistent trace writer.
type TraceStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite database path
}

// Config is the top-level engine configuration.
type Config struct {
	Logger          LoggerConfig                    `yaml:"logger"`
	Tracer          TracerConfig                    `yaml:"tracer"`
	TraceStore      TraceStoreConfig                `yaml:"trace_store"`
	Providers       []ProviderConfig                `yaml:"providers"`
	Models          ModelsConfig                    `yaml:"models"`
	CustomProviders map[string]CustomProviderConfig `yaml:"custom_providers,omitempty"`

	// Settings holds free-form user settings consulted by the engine
	// (base_url_<provider>, use_coding_plan_<provider>, ...).
	Settings map[string]string `yaml:"settings,omitempty"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}
	if c.Models.Models == nil {
		c.Models.Models = map[string]ModelConfig{}
	}
	for i := range c.Providers {
		if c.Providers[i].AuthType == "" {
			c.Providers[i].AuthType = AuthBearer
		}
		if c.Providers[i].Protocol == "" {
			c.Providers[i].Protocol = ProtocolOpenAICompatible
		}
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url required", p.ID)
		}
	}
	for key, m := range c.Models.Models {
		if len(m.Providers) == 0 {
			return fmt.Errorf("model %q: providers list required", key)
		}
	}
	return nil
}

// Setting returns a free-form setting value, or "" when absent.
func (c *Config) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return c.Settings[key]
}
