package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "llmrelay.toml"

	EnvAccessPassword = "ACCESS_PASSWORD"
	EnvLLMType        = "SERVER_LLM_TYPE"
	EnvLLMBaseURL     = "SERVER_LLM_BASE_URL"
	EnvLLMAPIKey      = "SERVER_LLM_API_KEY"
	EnvLLMModel       = "SERVER_LLM_MODEL"

	defaultConnectTimeoutSeconds = 60
	defaultIdleTimeoutSeconds    = 60
	defaultMaxDurationSeconds    = 600
)

// LLMConfig holds the server-side provider credentials injected in password mode.
type LLMConfig struct {
	Type    string `toml:"type,omitempty" json:"type,omitempty"`
	BaseURL string `toml:"base_url,omitempty" json:"baseUrl,omitempty"`
	APIKey  string `toml:"api_key,omitempty" json:"apiKey,omitempty"`
	Model   string `toml:"model,omitempty" json:"model,omitempty"`
}

// Complete reports whether the minimum fields for an upstream call are set.
func (c LLMConfig) Complete() bool {
	return c.Type != "" && c.APIKey != ""
}

type UpstreamConfig struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds,omitempty"`
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds,omitempty"`
	MaxDurationSeconds    int `toml:"max_duration_seconds,omitempty"`
}

func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) IdleTimeout() time.Duration {
	return time.Duration(u.IdleTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) MaxDuration() time.Duration {
	return time.Duration(u.MaxDurationSeconds) * time.Second
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

// ServerConfig is read once at startup and treated as read-only afterwards.
type ServerConfig struct {
	ListenAddr     string         `toml:"listen_addr"`
	LogLevel       string         `toml:"log_level,omitempty"`
	AccessPassword string         `toml:"access_password,omitempty"`
	LLM            LLMConfig      `toml:"llm"`
	Upstream       UpstreamConfig `toml:"upstream"`
	TLS            TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "llmrelay", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "llmrelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		LogLevel:   "info",
		Upstream: UpstreamConfig{
			ConnectTimeoutSeconds: defaultConnectTimeoutSeconds,
			IdleTimeoutSeconds:    defaultIdleTimeoutSeconds,
			MaxDurationSeconds:    defaultMaxDurationSeconds,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

// LoadServerConfig reads the TOML file at path and overlays the process
// environment. A missing file is not an error: the environment alone is a
// valid source of configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	return loadServerConfig(path, os.LookupEnv)
}

// LoadServerConfigFile reads only the TOML file, without the environment
// overlay. Use it when the result is written back to disk.
func LoadServerConfigFile(path string) (*ServerConfig, error) {
	return loadServerConfig(path, nil)
}

func loadServerConfig(path string, lookup func(string) (string, bool)) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse toml: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with any of the well known environment
// variables that are set and non-empty.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&c.AccessPassword, EnvAccessPassword)
	set(&c.LLM.Type, EnvLLMType)
	set(&c.LLM.BaseURL, EnvLLMBaseURL)
	set(&c.LLM.APIKey, EnvLLMAPIKey)
	set(&c.LLM.Model, EnvLLMModel)
	if v, ok := lookup("LLMRELAY_LISTEN_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup("LLMRELAY_IDLE_TIMEOUT_SECONDS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid LLMRELAY_IDLE_TIMEOUT_SECONDS %q", v)
		}
		c.Upstream.IdleTimeoutSeconds = n
	}
	return nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LLM.Type = strings.ToLower(strings.TrimSpace(c.LLM.Type))
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = defaultConnectTimeoutSeconds
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = defaultIdleTimeoutSeconds
	}
	if c.Upstream.MaxDurationSeconds == 0 {
		c.Upstream.MaxDurationSeconds = defaultMaxDurationSeconds
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return errors.New("upstream connect_timeout_seconds cannot be negative")
	}
	if c.Upstream.IdleTimeoutSeconds < 0 {
		return errors.New("upstream idle_timeout_seconds cannot be negative")
	}
	if c.Upstream.MaxDurationSeconds < 0 {
		return errors.New("upstream max_duration_seconds cannot be negative")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls domain is required when tls is enabled")
	}
	return nil
}

// Redacted returns a copy safe for printing: secrets are masked.
func (c ServerConfig) Redacted() ServerConfig {
	c.AccessPassword = mask(c.AccessPassword)
	c.LLM.APIKey = mask(c.LLM.APIKey)
	return c
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}
