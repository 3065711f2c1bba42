// Package config loads runtime settings from an optional tidesync.yaml and
// TIDESYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is everything the process reads at startup. Field defaults live
// in Load; zero values never leak out of a successful load.
type Settings struct {
	DatabasePath string `mapstructure:"database_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	PoolSize        int           `mapstructure:"pool_size"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	PageQuota       int           `mapstructure:"page_quota"`
	SchemaTTL       time.Duration `mapstructure:"schema_ttl"`
	MaxJobErrors    int           `mapstructure:"max_job_errors"`

	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// Load reads tidesync.yaml from the given path (or the working directory
// when path is empty), applies TIDESYNC_* environment overrides, and
// validates the result. A missing config file is fine; a malformed one is
// not.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigName("tidesync")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TIDESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_path", "tidesync.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 4)
	v.SetDefault("default_page_size", 500)
	v.SetDefault("page_quota", 100000)
	v.SetDefault("schema_ttl", 5*time.Minute)
	v.SetDefault("max_job_errors", 100)
	v.SetDefault("webhook_timeout", 5*time.Second)

	// An explicit path must exist; the default search may come up dry.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("parse config: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.DatabasePath == "" {
		return errors.New("config: database_path must not be empty")
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", s.LogLevel)
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", s.LogFormat)
	}
	if s.PoolSize <= 0 {
		return fmt.Errorf("config: pool_size %d must be positive", s.PoolSize)
	}
	if s.DefaultPageSize <= 0 {
		return fmt.Errorf("config: default_page_size %d must be positive", s.DefaultPageSize)
	}
	if s.PageQuota <= 0 {
		return fmt.Errorf("config: page_quota %d must be positive", s.PageQuota)
	}
	if s.SchemaTTL <= 0 {
		return fmt.Errorf("config: schema_ttl %s must be positive", s.SchemaTTL)
	}
	if s.WebhookTimeout <= 0 {
		return fmt.Errorf("config: webhook_timeout %s must be positive", s.WebhookTimeout)
	}
	return nil
}
