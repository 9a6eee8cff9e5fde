// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leseb/deepsearch-gw/pkg/provider"
)

// Config represents the main configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Search    SearchConfig    `yaml:"search"`
	Fetch     FetchConfig     `yaml:"fetch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	ChatStore ChatStoreConfig `yaml:"chat_store"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Timeout bounds reading a request. Streams are not bounded by it.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRequestBytes caps a chat request body or websocket message.
	// Replayed histories carry scraped pages, so it is generous.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// EngineConfig contains engine configuration
type EngineConfig struct {
	ModelEndpoint string `yaml:"model_endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxSteps      int    `yaml:"max_steps"`
	// MaxPageTokens caps each scraped page before it reaches the model.
	// Zero keeps the fetcher's character limit only.
	MaxPageTokens int           `yaml:"max_page_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SearchConfig selects and configures the web search provider.
type SearchConfig struct {
	Provider     string        `yaml:"provider"` // serper, brave, tavily, duckduckgo
	SerperAPIKey string        `yaml:"serper_api_key"`
	BraveAPIKey  string        `yaml:"brave_api_key"`
	TavilyAPIKey string        `yaml:"tavily_api_key"`
	BaseURL      string        `yaml:"base_url"`
	NumResults   int           `yaml:"num_results"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Params returns the provider parameters for the selected provider.
func (c SearchConfig) Params() provider.Params {
	p := provider.Params{
		"base_url": c.BaseURL,
		"timeout":  c.Timeout.String(),
	}
	switch c.Provider {
	case "serper":
		p["api_key"] = c.SerperAPIKey
	case "brave":
		p["api_key"] = c.BraveAPIKey
	case "tavily":
		p["api_key"] = c.TavilyAPIKey
	}
	return p
}

// FetchConfig configures the page fetcher.
type FetchConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxChars     int           `yaml:"max_chars"`
	MaxBytes     int64         `yaml:"max_bytes"`
	UserAgent    string        `yaml:"user_agent"`
	AllowPrivate bool          `yaml:"allow_private"`
}

// RateLimitConfig bounds turns per caller. Limit 0 disables the limiter.
type RateLimitConfig struct {
	Limit      int           `yaml:"limit"`
	Window     time.Duration `yaml:"window"`
	MaxRetries int           `yaml:"max_retries"`
	// PerUser keys windows by user instead of one global window.
	PerUser bool `yaml:"per_user"`
}

// CacheConfig selects the shared KV backend used by the cache and limiter.
type CacheConfig struct {
	Backend    string                   `yaml:"backend"` // memory, sqlite, postgres, s3
	Params     map[string]string        `yaml:"params"`
	DefaultTTL time.Duration            `yaml:"default_ttl"`
	TTLs       map[string]time.Duration `yaml:"ttls"` // per namespace
}

// ChatStoreConfig selects the chat persistence backend.
type ChatStoreConfig struct {
	Type string `yaml:"type"` // memory, sqlite, postgres
	DSN  string `yaml:"dsn"`  // connection string or sqlite path
}

// Params returns the provider parameters for the chat store.
func (c ChatStoreConfig) Params() provider.Params {
	return provider.Params{"dsn": c.DSN, "path": c.DSN}
}

// AuthConfig lists static bearer tokens as "token:user" pairs.
type AuthConfig struct {
	Tokens string `yaml:"tokens"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns default configuration
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

// applyEnv lets environment variables override file settings.
func applyEnv(cfg *Config) {
	set := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set(&cfg.Engine.APIKey, "OPENAI_API_KEY")
	set(&cfg.Engine.ModelEndpoint, "OPENAI_API_ENDPOINT")
	set(&cfg.Engine.Model, "MODEL")
	set(&cfg.Search.SerperAPIKey, "SERPER_API_KEY")
	set(&cfg.Search.BraveAPIKey, "BRAVE_SEARCH_API_KEY")
	set(&cfg.Search.TavilyAPIKey, "TAVILY_API_KEY")
	set(&cfg.Search.Provider, "SEARCH_PROVIDER")
	set(&cfg.Cache.Backend, "KV_BACKEND")
	set(&cfg.ChatStore.Type, "CHAT_STORE")
	set(&cfg.Auth.Tokens, "AUTH_TOKENS")
	set(&cfg.Logging.Level, "LOG_LEVEL")

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.ChatStore.DSN = v
		if cfg.ChatStore.Type == "" {
			cfg.ChatStore.Type = "postgres"
		}
	}
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyEngineDefaults(&cfg.Engine)
	applySearchDefaults(&cfg.Search)
	applyFetchDefaults(&cfg.Fetch)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyCacheDefaults(&cfg.Cache)
	applyChatStoreDefaults(&cfg.ChatStore)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 8 << 20
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
}

// applySearchDefaults picks the first provider with a key when none is set,
// falling back to the keyless DuckDuckGo provider.
func applySearchDefaults(cfg *SearchConfig) {
	if cfg.Provider == "" {
		switch {
		case cfg.SerperAPIKey != "":
			cfg.Provider = "serper"
		case cfg.BraveAPIKey != "":
			cfg.Provider = "brave"
		case cfg.TavilyAPIKey != "":
			cfg.Provider = "tavily"
		default:
			cfg.Provider = "duckduckgo"
		}
	}
	if cfg.NumResults <= 0 {
		cfg.NumResults = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
}

func applyFetchDefaults(cfg *FetchConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 32000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 6 * time.Hour
	}
}

func applyChatStoreDefaults(cfg *ChatStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}
