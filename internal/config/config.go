// Package config handles tandem configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all tandem configuration.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Router  RouterConfig  `mapstructure:"router"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Ollama  OllamaConfig  `mapstructure:"ollama"`
	Qdrant  QdrantConfig  `mapstructure:"qdrant"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Web     WebConfig     `mapstructure:"web_search"`
	Session SessionConfig `mapstructure:"session"`
}

// HTTPConfig holds the daemon HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RouterConfig holds query routing configuration.
type RouterConfig struct {
	// DefaultMode is used when the caller omits mode and intelligent
	// routing is disabled: "fast", "balanced" or "deep".
	DefaultMode string `mapstructure:"default_mode"`

	// EnableIntelligentRouting controls AUTO mode resolution. When false,
	// AUTO collapses to DefaultMode.
	EnableIntelligentRouting bool `mapstructure:"enable_intelligent_routing"`

	// SpeculativeDeadline bounds the speculative path per query.
	SpeculativeDeadline time.Duration `mapstructure:"speculative_deadline"`

	// AgenticDeadline bounds the agentic path per query.
	AgenticDeadline time.Duration `mapstructure:"agentic_deadline"`

	// TopKDefault is the per-request default for top_k.
	TopKDefault int `mapstructure:"top_k_default"`

	// RateLimitPerMinute is the per-caller admission budget.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	Enabled                     bool          `mapstructure:"enabled"`
	TTL                         time.Duration `mapstructure:"ttl"`
	MaxEntries                  int           `mapstructure:"max_entries"`
	SemanticSimilarityThreshold float64       `mapstructure:"semantic_similarity_threshold"`
	NearSimilarityThreshold     float64       `mapstructure:"near_similarity_threshold"`
}

// OllamaConfig holds the Ollama backend configuration.
type OllamaConfig struct {
	Host           string `mapstructure:"host"`
	ChatModel      string `mapstructure:"chat_model"`
	EmbedModel     string `mapstructure:"embed_model"`
	EmbedDimension int    `mapstructure:"embed_dimension"`
}

// QdrantConfig holds the Qdrant vector index configuration.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// RedisConfig holds the optional persistent cache backend configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// WebConfig holds the web search backend configuration.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// SessionConfig holds the session store configuration.
type SessionConfig struct {
	Path string `mapstructure:"path"`
}

// setDefaults registers default values with viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "~/.tandem")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("http.addr", "127.0.0.1:7161")
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 0) // streaming responses; no write deadline
	v.SetDefault("http.idle_timeout", 120*time.Second)

	v.SetDefault("router.default_mode", "balanced")
	v.SetDefault("router.enable_intelligent_routing", true)
	v.SetDefault("router.speculative_deadline", 2*time.Second)
	v.SetDefault("router.agentic_deadline", 15*time.Second)
	v.SetDefault("router.top_k_default", 10)
	v.SetDefault("router.rate_limit_per_minute", 20)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.semantic_similarity_threshold", 0.95)
	v.SetDefault("cache.near_similarity_threshold", 0.85)

	v.SetDefault("ollama.host", "http://localhost:11434")
	v.SetDefault("ollama.chat_model", "llama3.2:3b")
	v.SetDefault("ollama.embed_model", "nomic-embed-text")
	v.SetDefault("ollama.embed_dimension", 768)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "tandem_chunks")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.database", 0)

	v.SetDefault("web_search.enabled", false)
	v.SetDefault("web_search.url", "http://localhost:8080/search")

	v.SetDefault("session.path", "") // empty: <data_dir>/tandem.db
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(expandPath("~/.tandem"))
	v.AddConfigPath(".")

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	if cfg.Session.Path == "" {
		cfg.Session.Path = filepath.Join(cfg.DataDir, "tandem.db")
	} else {
		cfg.Session.Path = expandPath(cfg.Session.Path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Router.DefaultMode {
	case "fast", "balanced", "deep":
	default:
		return fmt.Errorf("invalid router.default_mode %q (want fast, balanced or deep)", c.Router.DefaultMode)
	}
	if c.Router.TopKDefault < 1 || c.Router.TopKDefault > 50 {
		return fmt.Errorf("router.top_k_default %d out of range [1,50]", c.Router.TopKDefault)
	}
	if c.Cache.SemanticSimilarityThreshold < c.Cache.NearSimilarityThreshold {
		return fmt.Errorf("cache.semantic_similarity_threshold below near threshold")
	}
	return nil
}

// EnsureDirectories creates the data directory if needed.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.DataDir, 0o755)
}
