package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/specialistvlad/scenegrid/internal/events/socketio"
	"github.com/specialistvlad/scenegrid/internal/executor"
	"gopkg.in/yaml.v3"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Workers   int    `yaml:"workers"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Cache CacheConfig          `yaml:"cache"`
	Retry executor.RetryPolicy `yaml:"retry"`
	// StepTimeout bounds each attempt of a step. Zero disables it.
	StepTimeout time.Duration `yaml:"step_timeout"`

	HealthcheckPort int `yaml:"healthcheck_port"`

	// Events publishes run events to a socket.io server when URL is set.
	Events socketio.Config `yaml:"events"`

	// ServiceURL is the processing service backing the satellite steps.
	// When empty the steps are registered without ports and fail.
	ServiceURL string `yaml:"service_url"`
}

// CacheConfig selects and bounds the cache backend. URL takes precedence
// over Dir.
type CacheConfig struct {
	Dir      string `yaml:"dir"`
	URL      string `yaml:"url"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Workers:     runtime.NumCPU(),
		LogFormat:   "text",
		LogLevel:    "info",
		Cache:       CacheConfig{Dir: ".scenegrid/cache"},
		Retry:       executor.DefaultRetryPolicy(),
		StepTimeout: 10 * time.Minute,
	}
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	var problems []error
	if cfg.Workers < 1 {
		problems = append(problems, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers))
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		problems = append(problems, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", cfg.LogFormat))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel))
	}
	if cfg.Cache.Dir == "" && cfg.Cache.URL == "" {
		problems = append(problems, errors.New("cache needs a directory or a URL"))
	}
	if cfg.Cache.MaxBytes < 0 {
		problems = append(problems, fmt.Errorf("cache max bytes must not be negative, got %d", cfg.Cache.MaxBytes))
	}
	if err := cfg.Retry.Validate(); err != nil {
		problems = append(problems, err)
	}
	if cfg.StepTimeout < 0 {
		problems = append(problems, errors.New("step timeout must not be negative"))
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		problems = append(problems, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort))
	}
	if err := errors.Join(problems...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a YAML configuration file over DefaultConfig. Keys that
// are not recognized are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return cfg, nil
}
