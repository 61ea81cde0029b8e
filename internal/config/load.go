package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return loadWithFile("")
}

// loadWithFile is Load with an explicit config file path, used by tests to
// avoid changing the working directory.
func loadWithFile(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("worker.count", 5)
	v.SetDefault("worker.log_level", "info")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.invalid_max_attempts", 2)
	v.SetDefault("worker.base_backoff", "1s")
	v.SetDefault("worker.max_backoff", "15m")
	v.SetDefault("metadata.timeout", "10s")
	v.SetDefault("metadata.quota_units", 10000)
	v.SetDefault("metadata.quota_window", "24h")
	v.SetDefault("extraction.model", "gemini-2.0-flash")
	v.SetDefault("extraction.quota_units", 1500)
	v.SetDefault("extraction.quota_window", "24h")

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; everything can come from the
			// environment.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Configure environment variables
	v.SetEnvPrefix("REEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind critical environment variables
	bindEnvs := []struct {
		key    string
		envVar string
	}{
		{"database.url", "REEL_DATABASE_URL"},
		{"metadata.base_url", "REEL_METADATA_BASE_URL"},
		{"extraction.gemini_api_key", "REEL_EXTRACTION_GEMINI_API_KEY"},
		{"worker.count", "REEL_WORKER_COUNT"},
		{"worker.log_level", "REEL_WORKER_LOG_LEVEL"},
	}

	for _, env := range bindEnvs {
		if err := v.BindEnv(env.key, env.envVar); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", env.envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
