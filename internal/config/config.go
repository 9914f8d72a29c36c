// Package config loads sochen configuration from defaults, an optional YAML
// file and SOCHEN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/persistence/middleware"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "SOCHEN_"

const maxConfigFileSize = 1024 * 1024

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Redis     RedisConfig     `koanf:"redis"`
	Memory    MemoryConfig    `koanf:"memory"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	LLM       LLMConfig       `koanf:"llm"`
	Router    RouterConfig    `koanf:"router"`
	Hub       HubConfig       `koanf:"hub"`
	Log       logging.Config  `koanf:"log"`
	Providers ProvidersConfig `koanf:"providers"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects the workflow store backend.
// Dir also holds the dependency graph and memory files.
// EncryptionKey is a base64 AES-256 key; when set workflows are stored
// encrypted. Redact masks credentials in transcripts before they are stored.
type StorageConfig struct {
	Backend        string   `koanf:"backend"` // file, memory, redis
	Dir            string   `koanf:"dir"`
	EncryptionKey  string   `koanf:"encryption_key"`
	Redact         bool     `koanf:"redact"`
	RedactPatterns []string `koanf:"redact_patterns"`
}

type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
	Locking  bool          `koanf:"locking"`
}

type MemoryConfig struct {
	Project   string `koanf:"project"`
	Dimension int    `koanf:"dimension"`
}

// EmbeddingConfig points at any OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

type LLMConfig struct {
	Provider    string  `koanf:"provider"` // anthropic or openai
	Model       string  `koanf:"model"`
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	MaxTokens   int64   `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
}

type RouterConfig struct {
	MaxIterations    int `koanf:"max_iterations"`
	MaxFeedbackBytes int `koanf:"max_feedback_bytes"`
}

// HubConfig bounds inbound commands per observer.
type HubConfig struct {
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// ProvidersConfig points at an optional catalog override and an optional
// checks file (see process.LoadChecks).
type ProvidersConfig struct {
	CatalogPath string `koanf:"catalog_path"`
	ChecksPath  string `koanf:"checks_path"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads configuration. Precedence (highest first): environment, YAML file, defaults.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// SOCHEN_LLM_API_KEY -> llm.api_key
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey splits on the first underscore only: section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return content, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8765"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = ".sochen"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "sochen:workflow:"
	}
	if cfg.Memory.Project == "" {
		cfg.Memory.Project = "default"
	}
	if cfg.Memory.Dimension == 0 {
		cfg.Memory.Dimension = 768
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}
	if cfg.Router.MaxIterations == 0 {
		cfg.Router.MaxIterations = 50
	}
	if cfg.Router.MaxFeedbackBytes == 0 {
		cfg.Router.MaxFeedbackBytes = domain.MaxFeedbackBytes
	}
	if cfg.Hub.RatePerSecond == 0 {
		cfg.Hub.RatePerSecond = 5
	}
	if cfg.Hub.Burst == 0 {
		cfg.Hub.Burst = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "memory", "redis":
	default:
		return fmt.Errorf("%w: storage.backend %q (want file, memory or redis)", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.EncryptionKey != "" {
		if _, err := middleware.ParseKey(c.Storage.EncryptionKey); err != nil {
			return fmt.Errorf("%w: storage.encryption_key: %v", ErrInvalidConfig, err)
		}
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("%w: llm.provider %q (want anthropic or openai)", ErrInvalidConfig, c.LLM.Provider)
	}
	if c.Memory.Dimension < 1 {
		return fmt.Errorf("%w: memory.dimension must be positive", ErrInvalidConfig)
	}
	if c.Router.MaxIterations < 1 {
		return fmt.Errorf("%w: router.max_iterations must be positive", ErrInvalidConfig)
	}
	if c.Router.MaxFeedbackBytes < 1 {
		return fmt.Errorf("%w: router.max_feedback_bytes must be positive", ErrInvalidConfig)
	}
	if c.Hub.RatePerSecond < 0 || c.Hub.Burst < 1 {
		return fmt.Errorf("%w: hub rate limit must be non-negative with burst >= 1", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format %q (want json or console)", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}
