package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all imgclass configuration.
type Config struct {
	Listen  string        `yaml:"listen" validate:"required"`
	DBPath  string        `yaml:"db_path" validate:"required"`
	Log     LogConfig     `yaml:"log"`
	History HistoryConfig `yaml:"history"`
	Model   ModelConfig   `yaml:"model"`
	Upload  UploadConfig  `yaml:"upload"`
	Offline OfflineConfig `yaml:"offline"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// HistoryConfig controls classification history retention.
type HistoryConfig struct {
	MaxItems int `yaml:"max_items" validate:"min=1"`
}

// ModelConfig points at the model descriptor served by the inference backend.
type ModelConfig struct {
	URL         string        `yaml:"url" validate:"required,url"`
	TopK        int           `yaml:"top_k" validate:"min=1,max=100"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// UploadConfig bounds accepted images.
type UploadConfig struct {
	MaxBytes       int64 `yaml:"max_bytes" validate:"min=1"`
	MaxDisplaySize int   `yaml:"max_display_size" validate:"min=16"`
}

// OfflineConfig is the cache manifest. Bumping Version installs and
// activates a new generation set.
type OfflineConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Version       string   `yaml:"version" validate:"required_if=Enabled true"`
	Origin        string   `yaml:"origin" validate:"required_if=Enabled true"`
	CoreAssets    []string `yaml:"core_assets" validate:"dive,startswith=/"`
	RootDocument  string   `yaml:"root_document" validate:"omitempty,startswith=/"`
	PageExtension string   `yaml:"page_extension"`
	RemoteAssets  []string `yaml:"remote_assets" validate:"dive,url"`
	RemoteHost    string   `yaml:"remote_host"`
	RemoteMarker  string   `yaml:"remote_marker"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "imgclass.db",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		History: HistoryConfig{
			MaxItems: 100,
		},
		Model: ModelConfig{
			URL:         "http://localhost:9000/models/mobilenet/model.json",
			TopK:        5,
			LoadTimeout: 30 * time.Second,
		},
		Upload: UploadConfig{
			MaxBytes:       10 << 20,
			MaxDisplaySize: 400,
		},
		Offline: OfflineConfig{
			Enabled:       false,
			Version:       "v1",
			RootDocument:  "/index.html",
			PageExtension: ".html",
		},
	}
}

// Load reads a YAML config file, expands environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
