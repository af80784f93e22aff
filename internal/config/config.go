package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the subscription service
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	Stripe       StripeConfig
	Subscription SubscriptionConfig
	Alerts       AlertConfig
	Reminders    ReminderConfig
	Scheduler    SchedulerConfig
	App          AppConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration for the event ledger, alert throttle and tenant locks
type RedisConfig struct {
	URL     string
	Enabled bool
}

// NATSConfig holds NATS configuration for notification dispatch
type NATSConfig struct {
	URL           string
	Enabled       bool
	MaxReconnects int
	ReconnectWait int // In seconds
	StreamName    string
}

// StripeConfig holds payment gateway configuration
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	RateLimit     float64 // requests per second
	RateBurst     int
}

// SubscriptionConfig holds lifecycle rules
type SubscriptionConfig struct {
	GracePeriodDays int
	DedupeWindow    time.Duration // how long processed webhook event ids are remembered
	LockTTL         time.Duration
	LockWait        time.Duration
}

// AlertConfig holds health-monitor thresholds
type AlertConfig struct {
	ThrottleMinutes         int
	ChurnThreshold          float64 // percent
	TrialConversionFloor    float64 // percent
	PaymentFailureCritical  int
	HealthScoreFloor        int
	MRRDropPercent          float64
	MRRGrowthPercent        float64
	LookbackDays            int
	ExpiringCardHorizonDays int
	TrialEndingSoonDays     int
	ChurnTrendDays          int
	RenewalHorizonDays      int
}

// ReminderConfig holds reminder lead times
type ReminderConfig struct {
	TrialDaysAhead  int
	EndingDaysAhead int
}

// SchedulerConfig holds job scheduling configuration
type SchedulerConfig struct {
	Enabled            bool
	TickSchedule       string // cron expression, 5 or 6 fields
	ExpirySweepEvery   time.Duration
	HealthMonitorEvery time.Duration
	ReminderScanEvery  time.Duration
	DriftCheckEvery    time.Duration
	DailySummaryEvery  time.Duration
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string
	LogLevel    string
	ServiceName string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8095),
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:4200",
			}),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "password"),
			DBName:       getEnv("DB_NAME", "subscriptions_db"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Enabled: getEnvAsBool("REDIS_ENABLED", true),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled:       getEnvAsBool("NATS_ENABLED", true),
			MaxReconnects: getEnvAsInt("NATS_MAX_RECONNECTS", -1),
			ReconnectWait: getEnvAsInt("NATS_RECONNECT_WAIT", 2),
			StreamName:    getEnv("NATS_STREAM_NAME", "SUBSCRIPTION_EVENTS"),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Timeout:       getEnvAsDuration("STRIPE_TIMEOUT", 15*time.Second),
			RateLimit:     getEnvAsFloat("STRIPE_RATE_LIMIT", 20),
			RateBurst:     getEnvAsInt("STRIPE_RATE_BURST", 40),
		},
		Subscription: SubscriptionConfig{
			GracePeriodDays: getEnvAsInt("SUBSCRIPTION_GRACE_PERIOD_DAYS", 14),
			DedupeWindow:    getEnvAsDuration("WEBHOOK_DEDUPE_WINDOW", 72*time.Hour),
			LockTTL:         getEnvAsDuration("TENANT_LOCK_TTL", 30*time.Second),
			LockWait:        getEnvAsDuration("TENANT_LOCK_WAIT", 10*time.Second),
		},
		Alerts: AlertConfig{
			ThrottleMinutes:         getEnvAsInt("ALERT_THROTTLE_MINUTES", 60),
			ChurnThreshold:          getEnvAsFloat("ALERT_CHURN_THRESHOLD", 5),
			TrialConversionFloor:    getEnvAsFloat("ALERT_TRIAL_CONVERSION_FLOOR", 20),
			PaymentFailureCritical:  getEnvAsInt("ALERT_PAYMENT_FAILURE_CRITICAL", 5),
			HealthScoreFloor:        getEnvAsInt("ALERT_HEALTH_SCORE_FLOOR", 50),
			MRRDropPercent:          getEnvAsFloat("ALERT_MRR_DROP_PERCENT", -5),
			MRRGrowthPercent:        getEnvAsFloat("ALERT_MRR_GROWTH_PERCENT", 10),
			LookbackDays:            getEnvAsInt("ALERT_LOOKBACK_DAYS", 30),
			ExpiringCardHorizonDays: getEnvAsInt("ALERT_EXPIRING_CARD_DAYS", 30),
			TrialEndingSoonDays:     getEnvAsInt("ALERT_TRIAL_ENDING_DAYS", 3),
			ChurnTrendDays:          getEnvAsInt("REPORT_CHURN_TREND_DAYS", 90),
			RenewalHorizonDays:      getEnvAsInt("REPORT_RENEWAL_HORIZON_DAYS", 30),
		},
		Reminders: ReminderConfig{
			TrialDaysAhead:  getEnvAsInt("REMINDER_TRIAL_DAYS", 3),
			EndingDaysAhead: getEnvAsInt("REMINDER_ENDING_DAYS", 7),
		},
		Scheduler: SchedulerConfig{
			Enabled:            getEnvAsBool("SCHEDULER_ENABLED", true),
			TickSchedule:       getEnv("SCHEDULER_TICK", "*/1 * * * *"),
			ExpirySweepEvery:   getEnvAsDuration("JOB_EXPIRY_SWEEP_INTERVAL", time.Hour),
			HealthMonitorEvery: getEnvAsDuration("JOB_HEALTH_MONITOR_INTERVAL", time.Hour),
			ReminderScanEvery:  getEnvAsDuration("JOB_REMINDER_SCAN_INTERVAL", 24*time.Hour),
			DriftCheckEvery:    getEnvAsDuration("JOB_DRIFT_CHECK_INTERVAL", 6*time.Hour),
			DailySummaryEvery:  getEnvAsDuration("JOB_DAILY_SUMMARY_INTERVAL", 24*time.Hour),
		},
		App: AppConfig{
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			ServiceName: getEnv("SERVICE_NAME", "subscription-service"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would make the lifecycle rules meaningless
func (c *Config) Validate() error {
	if c.Subscription.GracePeriodDays < 0 {
		return fmt.Errorf("SUBSCRIPTION_GRACE_PERIOD_DAYS must be >= 0, got %d", c.Subscription.GracePeriodDays)
	}
	if c.Alerts.ThrottleMinutes < 1 {
		return fmt.Errorf("ALERT_THROTTLE_MINUTES must be >= 1, got %d", c.Alerts.ThrottleMinutes)
	}
	if c.Subscription.DedupeWindow <= 0 {
		return fmt.Errorf("WEBHOOK_DEDUPE_WINDOW must be positive")
	}
	if c.IsProduction() && c.Stripe.SecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.IsProduction() && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		c.Database.Host,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.Port,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return strings.ToLower(c.App.Environment) == "production"
}

// GracePeriod returns the grace period as a duration
func (c SubscriptionConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// ThrottleTTL returns the alert cool-down window
func (c AlertConfig) ThrottleTTL() time.Duration {
	return time.Duration(c.ThrottleMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90m", "72h")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
