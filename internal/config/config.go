// Package config loads client configuration from jsonc files, .env files,
// and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// PermissionRule is one pattern/action pair from the config file. Rules are
// applied in file order; the first match wins.
type PermissionRule struct {
	Pattern string `json:"pattern"`
	Action  string `json:"action"` // "once" | "always" | "reject"
}

// RetryConfig tunes transient-failure retries on API calls.
type RetryConfig struct {
	MaxAttempts  int    `json:"maxAttempts,omitempty"`
	InitialDelay string `json:"initialDelay,omitempty"` // duration string, e.g. "500ms"
	MaxDelay     string `json:"maxDelay,omitempty"`
	Strategy     string `json:"strategy,omitempty"` // "linear" | "exponential"
}

// Config is the client configuration.
type Config struct {
	// ServerURL is the base URL of the opencode server.
	ServerURL string `json:"serverUrl,omitempty"`
	// Directory anchors relative paths in prompts.
	Directory string `json:"directory,omitempty"`
	// Timeout bounds a single-shot exchange, as a duration string.
	Timeout string `json:"timeout,omitempty"`
	// Model is "providerID/modelID"; empty uses the server default.
	Model string `json:"model,omitempty"`
	// Agent names the server-side agent handling the session.
	Agent string `json:"agent,omitempty"`
	// AutoApprove answers every permission request with "once".
	AutoApprove bool `json:"autoApprove,omitempty"`
	// Permissions are evaluated before any strategy fallback.
	Permissions []PermissionRule `json:"permissions,omitempty"`
	Retry       *RetryConfig     `json:"retry,omitempty"`
	LogLevel    string           `json:"logLevel,omitempty"`
}

const defaultServerURL = "http://localhost:4096"

// Load builds the configuration (priority order, later wins):
//  1. defaults
//  2. global config (~/.config/opencode/client.json[c])
//  3. project config (<dir>/opencode-client.json[c])
//  4. OPENCODE_CLIENT_CONFIG file
//  5. .env in the project directory (via godotenv, fills the environment)
//  6. environment variables
func Load(directory string) (*Config, error) {
	cfg := &Config{
		ServerURL: defaultServerURL,
		Directory: directory,
	}

	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(xdgConfigHome(home), "opencode")
		loadFile(filepath.Join(globalDir, "client.json"), cfg)
		loadFile(filepath.Join(globalDir, "client.jsonc"), cfg)
	}

	if directory != "" {
		loadFile(filepath.Join(directory, "opencode-client.json"), cfg)
		loadFile(filepath.Join(directory, "opencode-client.jsonc"), cfg)
		// Best effort: a missing .env is not an error.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	if path := os.Getenv("OPENCODE_CLIENT_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExchangeTimeout parses the configured timeout, or returns zero (caller
// default applies).
func (c *Config) ExchangeTimeout() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

func (c *Config) validate() error {
	if strings.HasPrefix(c.ServerURL, ":") {
		// Port shorthand, e.g. ":4096".
		c.ServerURL = "http://localhost" + c.ServerURL
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("serverUrl %q must be http(s)", c.ServerURL)
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	for i, rule := range c.Permissions {
		switch rule.Action {
		case "once", "always", "reject":
		default:
			return fmt.Errorf("permissions[%d]: unknown action %q", i, rule.Action)
		}
	}
	return nil
}

// loadFile merges one jsonc file into cfg. Missing files are skipped.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	merge(cfg, &file)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func merge(dst, src *Config) {
	if src.ServerURL != "" {
		dst.ServerURL = src.ServerURL
	}
	if src.Directory != "" {
		dst.Directory = src.Directory
	}
	if src.Timeout != "" {
		dst.Timeout = src.Timeout
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Agent != "" {
		dst.Agent = src.Agent
	}
	if src.AutoApprove {
		dst.AutoApprove = true
	}
	if len(src.Permissions) > 0 {
		dst.Permissions = src.Permissions
	}
	if src.Retry != nil {
		dst.Retry = src.Retry
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENCODE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("OPENCODE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("OPENCODE_AGENT"); v != "" {
		cfg.Agent = v
	}
	if v := os.Getenv("OPENCODE_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}
	if v := os.Getenv("OPENCODE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func xdgConfigHome(home string) string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".config")
}
