package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWT (issued by the external sign-in flow, verified here)
	JWTSecret string

	// Server
	Port        string
	CORSOrigins string
	AppEnv      string
	SentryDSN   string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	CheckoutSessionTTL  time.Duration

	// Pricing
	Currency          string
	PriceMonthlyCents int64
	PriceAnnualCents  int64

	// Renewal job
	RenewalSchedule    string
	RenewalTimezone    string
	LivenessSchedule   string
	RenewalMaxAttempts int
	RenewalWorkers     int
	RenewalLockTTL     time.Duration
	ChargeTimeout      time.Duration
	ChargeRetryDelay   time.Duration
	PendingStaleAfter  time.Duration

	// Infrastructure
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	// Logging
	LogRetention time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "billing_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		AppEnv:      getEnv("APP_ENV", "development"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
		CheckoutSessionTTL:  parseDuration(getEnv("CHECKOUT_SESSION_TTL", "24h"), 24*time.Hour),

		Currency:          strings.ToLower(getEnv("BILLING_CURRENCY", "usd")),
		PriceMonthlyCents: int64(getEnvInt("PRICE_MONTHLY_CENTS", 999)),
		PriceAnnualCents:  int64(getEnvInt("PRICE_ANNUAL_CENTS", 9999)),

		RenewalSchedule:    getEnv("RENEWAL_SCHEDULE", "0 0 * * *"),
		RenewalTimezone:    getEnv("RENEWAL_TIMEZONE", "UTC"),
		LivenessSchedule:   getEnv("LIVENESS_SCHEDULE", "0 * * * *"),
		RenewalMaxAttempts: getEnvInt("RENEWAL_MAX_ATTEMPTS", 3),
		RenewalWorkers:     getEnvInt("RENEWAL_WORKERS", 4),
		RenewalLockTTL:     parseDuration(getEnv("RENEWAL_LOCK_TTL", "30m"), 30*time.Minute),
		ChargeTimeout:      parseDuration(getEnv("CHARGE_TIMEOUT", "20s"), 20*time.Second),
		ChargeRetryDelay:   parseDuration(getEnv("CHARGE_RETRY_DELAY", "2s"), 2*time.Second),
		PendingStaleAfter:  parseDuration(getEnv("PENDING_STALE_AFTER", "15m"), 15*time.Minute),

		RedisURL:     getEnv("REDIS_URL", ""),
		KafkaBrokers: parseCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "billing-events"),

		LogRetention: parseDuration(getEnv("LOG_RETENTION", "720h"), 30*24*time.Hour),
	}
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

// RenewalLocation resolves RenewalTimezone, falling back to UTC.
func (c *Config) RenewalLocation() *time.Location {
	loc, err := time.LoadLocation(c.RenewalTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
