package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

proxy:
  provider: anthropic
  anthropic_base_url: https://example.com/v1
  anthropic_api_key: ${TEST_API_KEY}

archive:
  path: /tmp/test.archive.jsonl
  max_pending: 64
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("TEST_API_KEY", "my-secret-key")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, "anthropic", cfg.Proxy.Provider)
	assert.Equal(t, "https://example.com/v1", cfg.Proxy.AnthropicBaseURL)
	assert.Equal(t, "my-secret-key", cfg.Proxy.AnthropicAPIKey)

	assert.Equal(t, "/tmp/test.archive.jsonl", cfg.Archive.Path)
	assert.Equal(t, 64, cfg.Archive.MaxPending)
}

func TestLoadEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("CCRELAY_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "missing.yaml")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.Proxy.Provider)
	assert.Equal(t, "https://api.anthropic.com", cfg.Proxy.AnthropicBaseURL)
	assert.Equal(t, 256, cfg.Archive.MaxPending)
	assert.Equal(t, "https://api.githubcopilot.com", cfg.Copilot.BaseURL)
	assert.Equal(t, "individual", cfg.Copilot.AccountType)
}

func TestExpandSecretGithubToken(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
copilot:
  github_token: ${TEST_GH_TOKEN}
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("TEST_GH_TOKEN", "gh-secret")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "gh-secret", cfg.Copilot.GithubToken)
}
