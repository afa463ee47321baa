// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the CRM server.
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Auth       AuthConfig
	Channels   ChannelsConfig
	Commission CommissionConfig
	Partners   PartnersConfig
	Scheduler  SchedulerConfig
	LLM        LLMConfig
}

// AppConfig holds application-wide settings.
type AppConfig struct {
	Environment string
	LogLevel    string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the store configuration. Driver is "postgres" or "memory".
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the settings cache. An empty URL disables it.
type RedisConfig struct {
	URL         string
	SettingsTTL time.Duration
}

// NATSConfig configures domain event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string
	Stream        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// AuthConfig holds dashboard and collaborator secrets.
type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	BillingSecret string
}

// ChannelsConfig tunes outbound provider calls.
type ChannelsConfig struct {
	ProviderTimeout     time.Duration
	GraphBaseURL        string
	GraphAPIVersion     string
	GraphRatePerSecond  float64
	GraphBurst          int
	TelegramBaseURL     string
	ValidateConcurrency int
}

// CommissionConfig holds commission lifecycle switches.
type CommissionConfig struct {
	LegacyTransitions bool
}

// PartnersConfig holds partner program switches.
type PartnersConfig struct {
	MonotonicTiers bool
}

// SchedulerConfig holds cron specs of the batch jobs. An empty spec disables the job.
type SchedulerConfig struct {
	Enabled              bool
	JobTimeout           time.Duration
	PendingCommissions   string
	StatsRefresh         string
	RecurringCommissions string
	BonusCommissions     string
	PaymentApproval      string
	Retention            string
	WeeklyReport         string
}

// LLMConfig configures the intent classifier. An empty URL disables it.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("STORE_DRIVER", "postgres"),
			Host:            getEnv("PG_HOST", "localhost"),
			Port:            getEnvAsInt("PG_PORT", 5432),
			User:            getEnv("PG_USER", "postgres"),
			Password:        os.Getenv("PG_PASSWORD"),
			DBName:          getEnv("PG_DATABASE", "ecocrm"),
			SSLMode:         getEnv("PG_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("PG_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("PG_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("PG_CONN_MAX_LIFETIME", 5*time.Minute),
			QueryTimeout:    getEnvAsDuration("PG_QUERY_TIMEOUT", 5*time.Second),
			AutoMigrate:     getEnvAsBool("PG_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			SettingsTTL: getEnvAsDuration("SETTINGS_CACHE_TTL", 5*time.Minute),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			Stream:        getEnv("NATS_STREAM", "ECOCRM"),
			MaxReconnects: getEnvAsInt("NATS_MAX_RECONNECTS", -1),
			ReconnectWait: getEnvAsDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:     os.Getenv("JWT_SECRET_KEY"),
			TokenTTL:      getEnvAsDuration("JWT_TOKEN_TTL", 24*time.Hour),
			BillingSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),
		},
		Channels: ChannelsConfig{
			ProviderTimeout:     getEnvAsDuration("CHANNEL_PROVIDER_TIMEOUT", 10*time.Second),
			GraphBaseURL:        getEnv("META_GRAPH_URL", "https://graph.facebook.com"),
			GraphAPIVersion:     getEnv("META_GRAPH_VERSION", "v18.0"),
			GraphRatePerSecond:  getEnvAsFloat("META_GRAPH_RATE", 20),
			GraphBurst:          getEnvAsInt("META_GRAPH_BURST", 40),
			TelegramBaseURL:     getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			ValidateConcurrency: getEnvAsInt("CHANNEL_VALIDATE_CONCURRENCY", 4),
		},
		Commission: CommissionConfig{
			LegacyTransitions: getEnvAsBool("COMMISSION_LEGACY_TRANSITIONS", false),
		},
		Partners: PartnersConfig{
			MonotonicTiers: getEnvAsBool("PARTNER_TIER_MONOTONIC", false),
		},
		Scheduler: SchedulerConfig{
			Enabled:              getEnvAsBool("SCHEDULER_ENABLED", true),
			JobTimeout:           getEnvAsDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Minute),
			PendingCommissions:   getEnv("JOB_PENDING_COMMISSIONS", "@hourly"),
			StatsRefresh:         getEnv("JOB_STATS_REFRESH", "0 2 * * *"),
			RecurringCommissions: getEnv("JOB_RECURRING_COMMISSIONS", "0 3 1 * *"),
			BonusCommissions:     getEnv("JOB_BONUS_COMMISSIONS", "0 4 1 * *"),
			PaymentApproval:      getEnv("JOB_PAYMENT_APPROVAL", "0 6 5 * *"),
			Retention:            getEnv("JOB_RETENTION", "0 5 * * 0"),
			WeeklyReport:         getEnv("JOB_WEEKLY_REPORT", "0 8 * * 1"),
		},
		LLM: LLMConfig{
			BaseURL: os.Getenv("LLM_API_URL"),
			APIKey:  os.Getenv("LLM_API_KEY"),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout: getEnvAsDuration("LLM_TIMEOUT", 15*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("config: JWT_SECRET_KEY is required in production")
		}
		c.Auth.JWTSecret = "dev-only-secret"
	}
	if c.Channels.ProviderTimeout <= 0 {
		return fmt.Errorf("config: CHANNEL_PROVIDER_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// ServerAddress returns host:port.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
