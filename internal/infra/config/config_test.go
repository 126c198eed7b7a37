package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: openai
    name: OpenAI
    base_url: https://api.openai.com/v1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "stderr", cfg.Logger.Output)
	assert.NotNil(t, cfg.Models.Models)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, AuthBearer, cfg.Providers[0].AuthType)
	assert.Equal(t, ProtocolOpenAICompatible, cfg.Providers[0].Protocol)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: json
providers:
  - id: openai
    name: OpenAI
    protocol: openai
    base_url: https://api.openai.com/v1
    auth_type: bearer
    supports_oauth: true
  - id: anthropic
    name: Anthropic
    protocol: anthropic
    base_url: https://api.anthropic.com
    auth_type: x-api-key
models:
  version: "1"
  models:
    gpt-4o:
      name: GPT-4o
      providers: [openai]
      context_length: 128000
      pricing:
        input: "2.50"
        output: "10.00"
      provider_mappings:
        openai: gpt-4o-2024-11-20
custom_providers:
  local:
    id: local
    name: Local
    base_url: http://localhost:8080/v1
    api_key: k
    enabled: true
settings:
  use_coding_plan_zhipu: "true"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Providers[0].SupportsOAuth)
	assert.Equal(t, AuthAPIKeyHeader, cfg.Providers[1].AuthType)

	model := cfg.Models.Models["gpt-4o"]
	assert.Equal(t, 128000, model.ContextLength)
	require.NotNil(t, model.Pricing)
	assert.Equal(t, "2.50", model.Pricing.Input)
	assert.Equal(t, "gpt-4o-2024-11-20", model.ProviderMappings["openai"])

	assert.True(t, cfg.CustomProviders["local"].Enabled)
	assert.Equal(t, "true", cfg.Setting("use_coding_plan_zhipu"))
	assert.Equal(t, "", cfg.Setting("missing"))
}

func TestLoadRejectsDuplicateProviderIDs(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: openai
    base_url: https://a.example
  - id: openai
    base_url: https://b.example
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider id")
}

func TestLoadRejectsMissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: openai
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url required")
}

func TestLoadRejectsModelWithoutProviders(t *testing.T) {
	path := writeConfig(t, `
models:
  models:
    orphan:
      name: Orphan
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers list required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
