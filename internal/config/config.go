package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	BatchSize       int           `mapstructure:"BATCH_SIZE"`
	AbortThreshold  float64       `mapstructure:"ABORT_THRESHOLD"`
	MaxRetries      int           `mapstructure:"MAX_RETRIES"`
	RetryBaseDelay  time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryBackoff    float64       `mapstructure:"RETRY_BACKOFF_MULTIPLIER"`
	RecordTimeout   time.Duration `mapstructure:"RECORD_TIMEOUT"`
	AuditSampleSize int           `mapstructure:"AUDIT_SAMPLE_SIZE"`
	TargetSystem    string        `mapstructure:"TARGET_SYSTEM"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BATCH_SIZE", 25)
	v.SetDefault("ABORT_THRESHOLD", 0.5)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY", "250ms")
	v.SetDefault("RETRY_BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("RECORD_TIMEOUT", "30s")
	v.SetDefault("AUDIT_SAMPLE_SIZE", 100)
	v.SetDefault("TARGET_SYSTEM", "medsync")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BATCH_SIZE")
	v.BindEnv("ABORT_THRESHOLD")
	v.BindEnv("MAX_RETRIES")
	v.BindEnv("RETRY_BASE_DELAY")
	v.BindEnv("RETRY_BACKOFF_MULTIPLIER")
	v.BindEnv("RECORD_TIMEOUT")
	v.BindEnv("AUDIT_SAMPLE_SIZE")
	v.BindEnv("TARGET_SYSTEM")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the synchronization settings are safe to run with.
// Called once at startup; a malformed configuration refuses to start rather
// than failing mid-run.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.AbortThreshold <= 0 || c.AbortThreshold > 1 {
		return fmt.Errorf("ABORT_THRESHOLD must be in (0, 1], got %g", c.AbortThreshold)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryBackoff < 1 {
		return fmt.Errorf("RETRY_BACKOFF_MULTIPLIER must be >= 1, got %g", c.RetryBackoff)
	}
	if c.RecordTimeout <= 0 {
		return fmt.Errorf("RECORD_TIMEOUT must be positive, got %s", c.RecordTimeout)
	}
	if c.AuditSampleSize <= 0 {
		return fmt.Errorf("AUDIT_SAMPLE_SIZE must be positive, got %d", c.AuditSampleSize)
	}
	if c.TargetSystem == "" {
		return fmt.Errorf("TARGET_SYSTEM is required")
	}
	return nil
}
