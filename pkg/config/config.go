package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Retry     RetryConfig     `json:"retry"`
	Assistant AssistantConfig `json:"assistant"`
	YouTube   YouTubeConfig   `json:"youtube"`
	Storage   StorageConfig   `json:"storage"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type ProviderConfig struct {
	Name           string  `json:"name" env:"ASISTECH_PROVIDER_NAME"`
	APIKey         string  `json:"api_key" env:"ASISTECH_PROVIDER_API_KEY"`
	APIBase        string  `json:"api_base" env:"ASISTECH_PROVIDER_API_BASE"`
	TokenFile      string  `json:"token_file,omitempty" env:"ASISTECH_PROVIDER_TOKEN_FILE"`
	Organization   string  `json:"organization,omitempty" env:"ASISTECH_PROVIDER_ORGANIZATION"`
	Proxy          string  `json:"proxy,omitempty" env:"ASISTECH_PROVIDER_PROXY"`
	Model          string  `json:"model" env:"ASISTECH_PROVIDER_MODEL"`
	VisionModel    string  `json:"vision_model" env:"ASISTECH_PROVIDER_VISION_MODEL"`
	SearchModel    string  `json:"search_model" env:"ASISTECH_PROVIDER_SEARCH_MODEL"`
	MaxTokens      int     `json:"max_tokens" env:"ASISTECH_PROVIDER_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"ASISTECH_PROVIDER_TEMPERATURE"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"ASISTECH_PROVIDER_TIMEOUT_SECONDS"`
}

type RetryConfig struct {
	MaxAttempts      int     `json:"max_attempts" env:"ASISTECH_RETRY_MAX_ATTEMPTS"`
	InitialBackoffMS int     `json:"initial_backoff_ms" env:"ASISTECH_RETRY_INITIAL_BACKOFF_MS"`
	MaxBackoffMS     int     `json:"max_backoff_ms" env:"ASISTECH_RETRY_MAX_BACKOFF_MS"`
	Multiplier       float64 `json:"multiplier" env:"ASISTECH_RETRY_MULTIPLIER"`
}

type AssistantConfig struct {
	MaxHistory          int    `json:"max_history" env:"ASISTECH_ASSISTANT_MAX_HISTORY"`
	SearchHistory       int    `json:"search_history" env:"ASISTECH_ASSISTANT_SEARCH_HISTORY"`
	EnableWebSearch     bool   `json:"enable_web_search" env:"ASISTECH_ASSISTANT_ENABLE_WEB_SEARCH"`
	EnableImageAnalysis bool   `json:"enable_image_analysis" env:"ASISTECH_ASSISTANT_ENABLE_IMAGE_ANALYSIS"`
	DefaultTitle        string `json:"default_title" env:"ASISTECH_ASSISTANT_DEFAULT_TITLE"`
	TitleMaxChars       int    `json:"title_max_chars" env:"ASISTECH_ASSISTANT_TITLE_MAX_CHARS"`
	MaxMessageChars     int    `json:"max_message_chars" env:"ASISTECH_ASSISTANT_MAX_MESSAGE_CHARS"`
}

type YouTubeConfig struct {
	APIKey          string `json:"api_key" env:"ASISTECH_YOUTUBE_API_KEY"`
	APIBase         string `json:"api_base" env:"ASISTECH_YOUTUBE_API_BASE"`
	MaxResults      int    `json:"max_results" env:"ASISTECH_YOUTUBE_MAX_RESULTS"`
	TimeoutSeconds  int    `json:"timeout_seconds" env:"ASISTECH_YOUTUBE_TIMEOUT_SECONDS"`
	CacheSize       int    `json:"cache_size" env:"ASISTECH_YOUTUBE_CACHE_SIZE"`
	CacheTTLMinutes int    `json:"cache_ttl_minutes" env:"ASISTECH_YOUTUBE_CACHE_TTL_MINUTES"`
}

type StorageConfig struct {
	Path string `json:"path" env:"ASISTECH_STORAGE_PATH"`
}

type LogConfig struct {
	Level  string `json:"level" env:"ASISTECH_LOG_LEVEL"`
	Format string `json:"format" env:"ASISTECH_LOG_FORMAT"` // console or json
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:           "openai",
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			VisionModel:    "gpt-4o-mini",
			SearchModel:    "gpt-4o-mini-search-preview",
			MaxTokens:      1000,
			Temperature:    0.7,
			TimeoutSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMS: 2000,
			MaxBackoffMS:     10000,
			Multiplier:       2,
		},
		Assistant: AssistantConfig{
			MaxHistory:          50,
			SearchHistory:       10,
			EnableWebSearch:     true,
			EnableImageAnalysis: true,
			DefaultTitle:        "New Conversation",
			TitleMaxChars:       50,
			MaxMessageChars:     50000,
		},
		YouTube: YouTubeConfig{
			APIBase:         "https://www.googleapis.com/youtube/v3",
			MaxResults:      5,
			TimeoutSeconds:  10,
			CacheSize:       128,
			CacheTTLMinutes: 30,
		},
		Storage: StorageConfig{
			Path: "~/.asistech/asistech.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads a JSON (comments allowed) config file on top of the
// defaults and then applies ASISTECH_* environment overrides. A missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, env.Options{})
}

// LoadConfigWithEnv is LoadConfig with an explicit environment instead of the
// process environment.
func LoadConfigWithEnv(path string, environ map[string]string) (*Config, error) {
	return loadConfig(path, env.Options{Environment: environ})
}

func loadConfig(path string, opts env.Options) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks value ranges that would otherwise surface as confusing
// provider or storage errors.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if strings.TrimSpace(c.Provider.Model) == "" {
		problems = append(problems, "provider.model is required")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		problems = append(problems, fmt.Sprintf("provider.temperature must be within [0,2], got %v", c.Provider.Temperature))
	}
	if c.Provider.MaxTokens <= 0 {
		problems = append(problems, "provider.max_tokens must be positive")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		problems = append(problems, "provider.timeout_seconds must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Retry.InitialBackoffMS < 0 || c.Retry.MaxBackoffMS < c.Retry.InitialBackoffMS {
		problems = append(problems, "retry.max_backoff_ms must be >= retry.initial_backoff_ms >= 0")
	}
	if c.Assistant.MaxHistory <= 0 || c.Assistant.SearchHistory <= 0 {
		problems = append(problems, "assistant.max_history and assistant.search_history must be positive")
	}
	if c.Assistant.MaxMessageChars <= 0 {
		problems = append(problems, "assistant.max_message_chars must be positive")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		problems = append(problems, "storage.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be console or json, got %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.Path)
}

func (c *Config) ProviderTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func (c *Config) InitialBackoff() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Retry.InitialBackoffMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond
}

func (c *Config) YouTubeTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.YouTube.TimeoutSeconds) * time.Second
}

func (c *Config) YouTubeCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.YouTube.CacheTTLMinutes) * time.Minute
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
