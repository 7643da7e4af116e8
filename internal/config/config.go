// Package config loads and validates ccrelay's runtime configuration:
// listener bind address, which upstream provider is active, the
// Anthropic and Copilot provider settings, the archive writer's
// bounded-pending knob, and the forward-proxy CA paths. A YAML file is
// layered with CCRELAY_-prefixed environment variable overrides using
// koanf, and ${VAR} placeholders in secret-shaped fields are expanded
// after unmarshal.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the ccrelay proxy.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Proxy   ProxyConfig   `koanf:"proxy"`
	Archive ArchiveConfig `koanf:"archive"`
	Copilot CopilotConfig `koanf:"copilot"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ForwardProxy, when true, runs the listener in forward-proxy mode
	// (accepts CONNECT and intercepts TLS with CARootCert/CARootKey)
	// instead of reverse-proxy mode (fixed TargetHost).
	ForwardProxy bool   `koanf:"forward_proxy"`
	CARootCert   string `koanf:"ca_root_cert"`
	CARootKey    string `koanf:"ca_root_key"`
}

// ProxyConfig selects which provider is active and carries the
// Anthropic base URL/key, plus (for reverse-proxy mode) the fixed
// upstream target host.
type ProxyConfig struct {
	Provider         string `koanf:"provider"`
	AnthropicBaseURL string `koanf:"anthropic_base_url"`
	AnthropicAPIKey  string `koanf:"anthropic_api_key"`
	TargetHost       string `koanf:"target_host"`
}

// CopilotConfig carries the GitHub Copilot provider settings.
type CopilotConfig struct {
	BaseURL          string  `koanf:"base_url"`
	AccountType      string  `koanf:"account_type"`
	VSCodeVersion    string  `koanf:"vscode_version"`
	RateLimitSeconds float64 `koanf:"rate_limit_seconds"`
	RateLimitWait    bool    `koanf:"rate_limit_wait"`
	Token            string  `koanf:"token"`
	GithubToken      string  `koanf:"github_token"`
}

// ArchiveConfig controls the archive writer. MaxPending bounds the
// in-flight assembly table; concurrent subagent traffic can push past
// the default, so it is a field, not a constant.
type ArchiveConfig struct {
	Path       string `koanf:"path"`
	MaxPending int    `koanf:"max_pending"`
}

// applyDefaults fills every zero-valued field with the module's
// defaults; called after the YAML/env layers are unmarshaled, so any
// non-zero value either layer set is kept.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 300 * time.Second
	}
	if cfg.Proxy.Provider == "" {
		cfg.Proxy.Provider = "anthropic"
	}
	if cfg.Proxy.AnthropicBaseURL == "" {
		cfg.Proxy.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = "ccrelay.archive.jsonl"
	}
	if cfg.Archive.MaxPending == 0 {
		cfg.Archive.MaxPending = 256
	}
	if cfg.Copilot.BaseURL == "" {
		cfg.Copilot.BaseURL = "https://api.githubcopilot.com"
	}
	if cfg.Copilot.AccountType == "" {
		cfg.Copilot.AccountType = "individual"
	}
	if cfg.Copilot.VSCodeVersion == "" {
		cfg.Copilot.VSCodeVersion = "1.99.0"
	}
}

const envPrefix = "CCRELAY_"

// Load reads configuration from a YAML file (a missing file is not an
// error — every field has a default), layers CCRELAY_-prefixed
// environment variable overrides on top, and expands ${VAR} placeholders
// in every string-valued secret field.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file if one exists. Unlike a web service,
	// a proxy is often launched ad hoc with nothing but env vars, so a
	// missing file falls through to the defaults instead of failing.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	// Layer environment variables on top. Any env var starting with
	// "CCRELAY_" can override a config value. The callback transforms
	// the env var name into a koanf key path. Only the first underscore
	// separates the section from the field, so field names that contain
	// underscores stay intact:
	//   CCRELAY_SERVER_PORT -> server.port
	//   CCRELAY_ARCHIVE_MAX_PENDING -> archive.max_pending
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".", 1,
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	// Expand ${VAR_NAME} placeholders in secret-shaped fields.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	expandSecret(&cfg.Proxy.AnthropicAPIKey)
	expandSecret(&cfg.Copilot.Token)
	expandSecret(&cfg.Copilot.GithubToken)

	return &cfg, nil
}

// expandSecret resolves a ${VAR_NAME} placeholder against the process
// environment in place, so tokens can live in the environment while the
// config file stays committable.
func expandSecret(field *string) {
	v := *field
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		*field = os.Getenv(v[2 : len(v)-1]) // strip ${ and }
	}
}
