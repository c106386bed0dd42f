// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Environment string `mapstructure:"ENVIRONMENT"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`

	DBURL       string `mapstructure:"DB_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	GithubToken string `mapstructure:"GITHUB_TOKEN"`

	RateLimitMax    int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`

	SearchCacheTTL   time.Duration `mapstructure:"SEARCH_CACHE_TTL"`
	TrendingCacheTTL time.Duration `mapstructure:"TRENDING_CACHE_TTL"`
	CacheFreshness   time.Duration `mapstructure:"CACHE_FRESHNESS"`
}

// IsProduction reports whether the service runs with production cache
// fallback semantics.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("RATE_LIMIT_MAX", 12)
	viper.SetDefault("RATE_LIMIT_WINDOW", "15s")
	viper.SetDefault("SEARCH_CACHE_TTL", "1m")
	viper.SetDefault("TRENDING_CACHE_TTL", "1h")
	viper.SetDefault("CACHE_FRESHNESS", "1h")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.RateLimitMax <= 0 {
		return nil, errors.New("RATE_LIMIT_MAX must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, errors.New("RATE_LIMIT_WINDOW must be positive")
	}

	return &cfg, nil
}
