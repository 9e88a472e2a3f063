package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds the service settings. Values come from the environment, with
// an optional .env style file underneath.
type Config struct {
	DBSource    string `mapstructure:"DB_SOURCE"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	Port        string `mapstructure:"SERVER_PORT"`
	Env         string `mapstructure:"ENVIRONMENT"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	Currency    string `mapstructure:"CURRENCY"`

	RedisURL             string        `mapstructure:"REDIS_URL"`
	RiskSettingsCacheTTL time.Duration `mapstructure:"RISK_SETTINGS_CACHE_TTL"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	InstantFeeRate string `mapstructure:"INSTANT_FEE_RATE"`

	PendingExpiry  time.Duration `mapstructure:"PENDING_EXPIRY"`
	ExpirySchedule string        `mapstructure:"EXPIRY_SCHEDULE"`

	LockTimeout    time.Duration `mapstructure:"LOCK_TIMEOUT"`
	MaxLockRetries int           `mapstructure:"MAX_LOCK_RETRIES"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var keys = []string{
	"DB_SOURCE", "STORE_DRIVER", "SERVER_PORT", "ENVIRONMENT", "JWT_SECRET", "CURRENCY",
	"REDIS_URL", "RISK_SETTINGS_CACHE_TTL", "RABBITMQ_URL", "EVENTS_EXCHANGE",
	"INSTANT_FEE_RATE", "PENDING_EXPIRY", "EXPIRY_SCHEDULE", "LOCK_TIMEOUT", "MAX_LOCK_RETRIES",
}

// Load reads configuration. path names an optional env file; a missing file
// is not an error.
func Load(path string) (*Config, error) {
	viper.SetDefault("STORE_DRIVER", DriverPostgres)
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("CURRENCY", "USD")
	viper.SetDefault("RISK_SETTINGS_CACHE_TTL", "0s")
	viper.SetDefault("EVENTS_EXCHANGE", "wallet.events")
	viper.SetDefault("INSTANT_FEE_RATE", "0.015")
	viper.SetDefault("PENDING_EXPIRY", "0s")
	viper.SetDefault("EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("LOCK_TIMEOUT", "2s")
	viper.SetDefault("MAX_LOCK_RETRIES", 3)

	if path != "" {
		viper.SetConfigFile(path)
		viper.SetConfigType("env")
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	viper.AutomaticEnv()
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.MaxLockRetries < 0 {
		return nil, fmt.Errorf("MAX_LOCK_RETRIES must not be negative")
	}
	rate, err := decimal.NewFromString(cfg.InstantFeeRate)
	if err != nil || rate.IsNegative() {
		return nil, fmt.Errorf("INSTANT_FEE_RATE must be a non-negative decimal, got %q", cfg.InstantFeeRate)
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
