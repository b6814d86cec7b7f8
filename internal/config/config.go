package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewMatchingConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Email EmailConfig

	Webhook WebhookConfig

	RateLimit RateLimitConfig

	Scheduler SchedulerConfig

	BacklogMetrics BacklogMetricsConfig

	SnowflakeNode int64
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	ReviewAlerts []string
}

type WebhookConfig struct {
	// Secret signs Yape notifications with HMAC-SHA256. Empty disables verification.
	Secret          string
	SignatureHeader string
	MaxBodyBytes    int64
}

// RateLimitConfig guards webhook ingress per tenant and bounds the tenant
// matching lock. Both need Redis; without REDIS_ADDR they are disabled.
type RateLimitConfig struct {
	WebhookRate  float64
	WebhookBurst int
	MatchLockTTL time.Duration
}

// BacklogMetricsConfig pushes reconciliation backlog gauges to a central
// Prometheus via remote_write or a Pushgateway.
type BacklogMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	Workers     int
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "yapepro"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "yapepro"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "yapepro.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Email: EmailConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "pagos@yapepro.pe"),
			ReviewAlerts: splitList(getenv("REVIEW_ALERT_EMAILS", "")),
		},
		Webhook: WebhookConfig{
			Secret:          strings.TrimSpace(getenv("YAPE_WEBHOOK_SECRET", "")),
			SignatureHeader: getenv("YAPE_SIGNATURE_HEADER", "X-Yape-Signature"),
			MaxBodyBytes:    getenvInt64("YAPE_WEBHOOK_MAX_BODY_BYTES", 64<<10),
		},
		RateLimit: RateLimitConfig{
			WebhookRate:  getenvFloat("YAPE_WEBHOOK_RATE", 20),
			WebhookBurst: getenvInt("YAPE_WEBHOOK_BURST", 40),
			MatchLockTTL: getenvDuration("MATCH_LOCK_TTL", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 30*time.Second),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			Workers:     getenvInt("SCHEDULER_WORKERS", 8),
			EnabledJobs: splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		BacklogMetrics: BacklogMetricsConfig{
			Enabled:   getenvBool("BACKLOG_METRICS_ENABLED", false),
			Exporter:  getenv("BACKLOG_METRICS_EXPORTER", "prometheus_pushgateway"),
			Endpoint:  strings.TrimSpace(getenv("BACKLOG_METRICS_ENDPOINT", "")),
			AuthToken: getenv("BACKLOG_METRICS_AUTH_TOKEN", ""),
			Interval:  getenvDuration("BACKLOG_METRICS_INTERVAL", time.Minute),
		},
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using default %d", key, value, def)
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using default %v", key, value, def)
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
