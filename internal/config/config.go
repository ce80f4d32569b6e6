// Package config loads the tagger configuration from a YAML file overlaid by
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config.yaml"

type Config struct {
	App        AppConfig        `yaml:"app"`
	Model      ModelConfig      `yaml:"model"`
	Processing ProcessingConfig `yaml:"processing"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Clip       ClipConfig       `yaml:"clip"`
	History    HistoryConfig    `yaml:"history"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type AppConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Reload is accepted for compatibility with older config files and
	// otherwise ignored.
	Reload   bool   `yaml:"reload"`
	LogLevel string `yaml:"log_level"`
}

// Addr returns the host:port the server listens on.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type ModelConfig struct {
	Default   string           `yaml:"default"`
	Available map[string]Model `yaml:"available"`
}

// Model describes one caption model. In YAML it is either a plain string,
// the model path, with the family taken from the map key, or a mapping.
type Model struct {
	Family   string `yaml:"family"`
	Path     string `yaml:"path"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// RPM caps requests per minute for hosted backends, 0 is unlimited.
	RPM int `yaml:"rpm"`
}

func (m *Model) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&m.Path)
	}
	type plain Model
	return node.Decode((*plain)(m))
}

type ProcessingConfig struct {
	MaxLength      int `yaml:"max_length"`
	NumBeams       int `yaml:"num_beams"`
	MaxNewTokens   int `yaml:"max_new_tokens"`
	DefaultNumTags int `yaml:"default_num_tags"`
	MaxNumTags     int `yaml:"max_num_tags"`
	Workers        int `yaml:"workers"`
}

type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

type ClipConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type HistoryConfig struct {
	// Path of the sqlite database, empty disables history.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Host:     "0.0.0.0",
			Port:     8000,
			LogLevel: "info",
		},
		Model: ModelConfig{
			Default: "vit-gpt2",
			Available: map[string]Model{
				"vit-gpt2": {Family: "vit-gpt2", Path: "nlpconnect/vit-gpt2-image-captioning"},
			},
		},
		Processing: ProcessingConfig{
			MaxLength:      32,
			NumBeams:       4,
			MaxNewTokens:   50,
			DefaultNumTags: 10,
			MaxNumTags:     50,
			Workers:        min(runtime.NumCPU(), 8),
		},
		Fetch: FetchConfig{
			Timeout:  15 * time.Second,
			MaxBytes: 20 << 20,
		},
		Clip: ClipConfig{
			Endpoint: "http://localhost:7997",
			Model:    "openai/clip-vit-base-patch32",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads .env if present, then the YAML file at CONFIG_PATH (or
// DefaultPath), applies environment overrides and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFile(getEnv("CONFIG_PATH", DefaultPath))
}

// LoadFile loads the configuration from path. A missing file yields the
// defaults, still subject to environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		// A configured model list replaces the default one instead of merging
		// into it.
		defaults := cfg.Model.Available
		cfg.Model.Available = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.Model.Available == nil {
			cfg.Model.Available = defaults
		}
	}

	cfg.applyEnv()
	cfg.FillModels()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.App.Host = getEnv("APP_HOST", c.App.Host)
	c.App.Port = getEnvInt("APP_PORT", c.App.Port)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.Clip.Endpoint = getEnv("CLIP_ENDPOINT", c.Clip.Endpoint)
	c.Clip.APIKey = getEnv("CLIP_API_KEY", c.Clip.APIKey)
	c.History.Path = getEnv("HISTORY_PATH", c.History.Path)
	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)

	keys := map[string]string{
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"vit-gpt2":  os.Getenv("HF_TOKEN"),
		"blip-base": os.Getenv("HF_TOKEN"),
		"git-base":  os.Getenv("HF_TOKEN"),
	}
	for name, m := range c.Model.Available {
		if key := keys[m.family(name)]; m.APIKey == "" && key != "" {
			m.APIKey = key
			c.Model.Available[name] = m
		}
	}
}

// FillModels sets the family of entries that only named a path to their key.
func (c *Config) FillModels() {
	for name, m := range c.Model.Available {
		m.Family = m.family(name)
		c.Model.Available[name] = m
	}
}

func (m Model) family(key string) string {
	if m.Family != "" {
		return m.Family
	}
	return key
}

// Validate checks the values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if len(c.Model.Available) == 0 {
		return fmt.Errorf("model.available is empty")
	}
	if _, ok := c.Model.Available[c.Model.Default]; !ok {
		return fmt.Errorf("model.default %q is not in model.available", c.Model.Default)
	}
	p := c.Processing
	if p.MaxNumTags < 1 {
		return fmt.Errorf("processing.max_num_tags must be positive")
	}
	if p.DefaultNumTags < 1 || p.DefaultNumTags > p.MaxNumTags {
		return fmt.Errorf("processing.default_num_tags must be between 1 and %d", p.MaxNumTags)
	}
	if p.Workers < 1 {
		return fmt.Errorf("processing.workers must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.App.Port < 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port %d out of range", c.App.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
