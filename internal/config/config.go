package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Metadata   MetadataConfig   `mapstructure:"metadata" validate:"required"`
	Extraction ExtractionConfig `mapstructure:"extraction" validate:"required"`
}

// WorkerConfig contains settings for the worker pool and retry policy.
type WorkerConfig struct {
	Count       int    `mapstructure:"count" validate:"required,gt=0,lte=64"`
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	MaxAttempts int    `mapstructure:"max_attempts" validate:"required,gt=0,lte=10"`

	// InvalidMaxAttempts bounds retries of malformed-response failures,
	// kept at or below MaxAttempts.
	InvalidMaxAttempts int `mapstructure:"invalid_max_attempts" validate:"required,gt=0,ltefield=MaxAttempts"`

	BaseBackoff time.Duration `mapstructure:"base_backoff" validate:"required"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" validate:"required"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// MetadataConfig contains settings for the external metadata service.
type MetadataConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required"`

	QuotaUnits  int           `mapstructure:"quota_units" validate:"required,gt=0"`
	QuotaWindow time.Duration `mapstructure:"quota_window" validate:"required"`
}

// ExtractionConfig contains settings for the AI extraction service.
type ExtractionConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	Model        string `mapstructure:"model" validate:"required"`

	QuotaUnits  int           `mapstructure:"quota_units" validate:"required,gt=0"`
	QuotaWindow time.Duration `mapstructure:"quota_window" validate:"required"`
}
