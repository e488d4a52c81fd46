package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the metering gateway
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Provider   ProviderConfig
	Metering   MeteringConfig
	Billing    BillingConfig
	Security   SecurityConfig
	Alerts     AlertsConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// ProviderConfig holds the semantic-search provider configuration
type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// MeteringConfig holds the metering pipeline configuration
type MeteringConfig struct {
	SearchCost        int64
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	CommitTimeout     time.Duration
	InstanceCacheSize int
	LowBalanceLevel   int64
	RateLimitPerMin   int64
}

// BillingConfig holds Stripe top-up configuration
type BillingConfig struct {
	StripeWebhookSecret string
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string
	AuthCacheTTL  time.Duration
}

// AlertsConfig holds operator alerting configuration
type AlertsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "60s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "querymeter"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "querymeter"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Provider: ProviderConfig{
			BaseURL:     getEnv("PROVIDER_BASE_URL", "https://api.semsearch.example.com"),
			APIKey:      getEnv("PROVIDER_API_KEY", ""),
			CallTimeout: getEnvAsDuration("PROVIDER_CALL_TIMEOUT", "30s"),
		},
		Metering: MeteringConfig{
			SearchCost:        getEnvAsInt64("METERING_SEARCH_COST", 1),
			RetryMaxAttempts:  getEnvAsInt("METERING_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvAsDuration("METERING_RETRY_BASE_DELAY", "100ms"),
			RetryMaxDelay:     getEnvAsDuration("METERING_RETRY_MAX_DELAY", "2s"),
			CommitTimeout:     getEnvAsDuration("METERING_COMMIT_TIMEOUT", "5s"),
			InstanceCacheSize: getEnvAsInt("METERING_INSTANCE_CACHE_SIZE", 1000),
			LowBalanceLevel:   getEnvAsInt64("METERING_LOW_BALANCE_LEVEL", 10),
			RateLimitPerMin:   getEnvAsInt64("METERING_RATE_LIMIT_PER_MIN", 60),
		},
		Billing: BillingConfig{
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
			AuthCacheTTL:  getEnvAsDuration("AUTH_CACHE_TTL", "5m"),
		},
		Alerts: AlertsConfig{
			WebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("ALERT_WEBHOOK_SECRET", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("PROVIDER_API_KEY is required")
	}

	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if cfg.Metering.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("METERING_RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if cfg.Metering.SearchCost < 1 {
		return nil, fmt.Errorf("METERING_SEARCH_COST must be at least 1")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
