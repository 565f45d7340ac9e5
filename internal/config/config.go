// Package config provides unified configuration loading for the knowledge engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all static configuration for the knowledge engine. Runtime
// tunables (batch sizes, feature flags, filter thresholds) live in the
// settings store and are read through the settings cache, not from here.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Crawl         CrawlConfig         `yaml:"crawl"`
	Reranker      RerankerConfig      `yaml:"reranker"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds Postgres connection settings. pgvector must be
// installed in the target database.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ProvidersConfig holds LLM provider credentials and endpoints. API keys are
// normally supplied via environment variables, not the YAML file.
type ProvidersConfig struct {
	LLMProvider       string `yaml:"llm_provider"`       // openai, ollama, google, anthropic, openrouter, grok
	EmbeddingProvider string `yaml:"embedding_provider"` // defaults to llm_provider when empty
	OpenAIAPIKey      string `yaml:"openai_api_key"`
	OpenAIBaseURL     string `yaml:"openai_base_url"`
	GoogleAPIKey      string `yaml:"google_api_key"`
	OllamaChatURL     string `yaml:"ollama_chat_url"`
	OllamaEmbedURL    string `yaml:"ollama_embed_url"`
}

// CrawlConfig holds crawler engine settings.
type CrawlConfig struct {
	UserAgent        string        `yaml:"user_agent"`
	PageTimeout      time.Duration `yaml:"page_timeout"`
	ConcurrentCrawls int           `yaml:"concurrent_crawls"` // whole orchestrations, not pages
	DefaultMaxDepth  int           `yaml:"default_max_depth"`
}

// RerankerConfig holds cross-encoder reranker settings.
type RerankerConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json or console
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8181,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Providers: ProvidersConfig{
			LLMProvider:    "openai",
			OllamaChatURL:  "http://localhost:11434",
			OllamaEmbedURL: "http://localhost:11434",
		},
		Crawl: CrawlConfig{
			UserAgent:        "archon-knowledge-engine/1.0",
			PageTimeout:      60 * time.Second,
			ConcurrentCrawls: 3,
			DefaultMaxDepth:  2,
		},
		Reranker: RerankerConfig{
			Enabled: false,
			Model:   "cross-encoder/ms-marco-MiniLM-L-6-v2",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "knowledge-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	switch c.Providers.LLMProvider {
	case "openai", "ollama", "google", "anthropic", "openrouter", "grok":
	default:
		return fmt.Errorf("invalid llm provider: %s", c.Providers.LLMProvider)
	}

	if c.Crawl.ConcurrentCrawls < 1 {
		return fmt.Errorf("concurrent_crawls must be at least 1")
	}

	if c.Crawl.DefaultMaxDepth < 1 || c.Crawl.DefaultMaxDepth > 5 {
		return fmt.Errorf("default_max_depth must be between 1 and 5")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARCHON_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("ARCHON_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.Providers.LLMProvider = v
	}

	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Providers.EmbeddingProvider = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}

	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAIBaseURL = v
	}

	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Providers.GoogleAPIKey = v
	}

	if v := os.Getenv("OLLAMA_CHAT_URL"); v != "" {
		cfg.Providers.OllamaChatURL = v
	}

	if v := os.Getenv("OLLAMA_EMBED_URL"); v != "" {
		cfg.Providers.OllamaEmbedURL = v
	}

	if v := os.Getenv("RERANKER_URL"); v != "" {
		cfg.Reranker.BaseURL = v
		cfg.Reranker.Enabled = true
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
