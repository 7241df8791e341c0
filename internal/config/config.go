// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/patient-docs/internal/llm"
	"github.com/jonathan/patient-docs/internal/queue"
	"github.com/jonathan/patient-docs/internal/types"
)

// Environment variables read by ApplyEnv
const (
	EnvDatabaseURL  = "DATABASE_URL"
	EnvAPIKey       = "GEMINI_API_KEY"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvRedisDB      = "REDIS_DB"
	EnvLogLevel     = "LOG_LEVEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config represents the CLI configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults or come from the environment and CLI flags.
type Config struct {
	// DatabaseURL is the PostgreSQL connection URL
	DatabaseURL string `json:"database_url,omitempty" validate:"omitempty,url"`

	// StepsFile is a YAML/JSON step configuration used without a database
	StepsFile string `json:"steps_file,omitempty"`

	// Text generation
	APIKey   string `json:"api_key,omitempty"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=gemini"`

	// Models overrides the model name per tier
	Models map[string]string `json:"models,omitempty" validate:"omitempty,dive,keys,oneof=lite standard advanced,endkeys,required"`

	// DefaultModel is the tier or model used by steps without a model reference
	DefaultModel string `json:"default_model,omitempty"`

	// Queue
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" validate:"gte=0,lte=15"`
	Queue         string `json:"queue,omitempty"`
	Workers       int    `json:"workers,omitempty" validate:"gte=0,lte=64"`

	// Execution
	BackoffUnit    string `json:"backoff_unit,omitempty"`
	TruncateLength int    `json:"truncate_length,omitempty" validate:"gte=0"`

	// Behavior
	LogLevel     string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" validate:"omitempty,url"`
	Verbose      bool   `json:"verbose,omitempty"`
}

// Defaults returns the values used for anything left unset.
func Defaults() Config {
	return Config{
		Provider:       string(llm.ProviderGemini),
		DefaultModel:   string(llm.TierStandard),
		RedisAddr:      "localhost:6379",
		Queue:          queue.DefaultQueue,
		Workers:        1,
		BackoffUnit:    "1s",
		TruncateLength: types.DefaultTruncateLength,
		LogLevel:       "info",
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv fills empty fields from environment variables.
func (c *Config) ApplyEnv() {
	setIfEmpty(&c.DatabaseURL, os.Getenv(EnvDatabaseURL))
	setIfEmpty(&c.APIKey, os.Getenv(EnvAPIKey))
	setIfEmpty(&c.RedisAddr, os.Getenv(EnvRedisAddr))
	setIfEmpty(&c.LogLevel, os.Getenv(EnvLogLevel))
	setIfEmpty(&c.OTLPEndpoint, os.Getenv(EnvOTLPEndpoint))

	if c.RedisDB == 0 {
		if v, err := strconv.Atoi(os.Getenv(EnvRedisDB)); err == nil {
			c.RedisDB = v
		}
	}
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those depend on the command being run.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if c.BackoffUnit != "" {
		d, err := time.ParseDuration(c.BackoffUnit)
		if err != nil {
			return fmt.Errorf("config error: invalid 'backoff_unit': %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config error: 'backoff_unit' must be positive")
		}
	}

	if c.StepsFile != "" {
		if _, err := os.Stat(c.StepsFile); os.IsNotExist(err) {
			return fmt.Errorf("config error: steps file not found: %s", c.StepsFile)
		}
	}

	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	setIfEmpty(&result.DatabaseURL, defaults.DatabaseURL)
	setIfEmpty(&result.StepsFile, defaults.StepsFile)
	setIfEmpty(&result.APIKey, defaults.APIKey)
	setIfEmpty(&result.Provider, defaults.Provider)
	setIfEmpty(&result.DefaultModel, defaults.DefaultModel)
	setIfEmpty(&result.RedisAddr, defaults.RedisAddr)
	setIfEmpty(&result.RedisPassword, defaults.RedisPassword)
	setIfEmpty(&result.Queue, defaults.Queue)
	setIfEmpty(&result.BackoffUnit, defaults.BackoffUnit)
	setIfEmpty(&result.LogLevel, defaults.LogLevel)
	setIfEmpty(&result.OTLPEndpoint, defaults.OTLPEndpoint)

	// Int fields: use default if zero
	if result.RedisDB == 0 {
		result.RedisDB = defaults.RedisDB
	}
	if result.Workers == 0 {
		result.Workers = defaults.Workers
	}
	if result.TruncateLength == 0 {
		result.TruncateLength = defaults.TruncateLength
	}

	// Models: file values override individual default tiers
	if len(defaults.Models) > 0 {
		merged := make(map[string]string, len(defaults.Models)+len(result.Models))
		for k, v := range defaults.Models {
			merged[k] = v
		}
		for k, v := range result.Models {
			merged[k] = v
		}
		result.Models = merged
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// Backoff returns the retry backoff unit, falling back to one second.
func (c *Config) Backoff() time.Duration {
	d, err := time.ParseDuration(c.BackoffUnit)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// LLMConfig builds the model configuration from the default tiers plus overrides.
func (c *Config) LLMConfig() *llm.Config {
	cfg := llm.DefaultConfig()
	if c.Provider != "" {
		cfg.Provider = llm.Provider(c.Provider)
	}
	for tier, model := range c.Models {
		cfg = cfg.WithModel(llm.ModelTier(strings.ToLower(tier)), model)
	}
	if c.DefaultModel != "" {
		if llm.IsTier(c.DefaultModel) {
			cfg.DefaultTier = llm.ModelTier(strings.ToLower(c.DefaultModel))
		} else {
			// A concrete model name becomes the standard tier used for steps without a reference
			cfg = cfg.WithModel(llm.TierStandard, c.DefaultModel)
			cfg.DefaultTier = llm.TierStandard
		}
	}
	return cfg
}

func setIfEmpty(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}
