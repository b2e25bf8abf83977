package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"market-pipeline/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream feed
	FeedURL            string
	FeedAPIKey         string
	FeedTOTPSecret     string
	FeedSymbols        []string
	FeedShards         int
	FeedBackoffInitial time.Duration
	FeedBackoffMax     time.Duration

	// Cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Durable store
	DurableDriver                 string // "postgres" or "sqlite"
	DatabaseURL                   string
	SQLitePath                    string
	DurableTLS                    bool
	DurableAllowPlaintextFallback bool

	// Bars and flushing
	BarInterval       time.Duration
	LateTickGrace     time.Duration
	CacheRingCapacity int
	FlushInterval     time.Duration
	FlushMaxRetries   int

	// Features and retention
	FeatureInterval   time.Duration
	FeatureDAGPath    string
	RetentionWindow   time.Duration
	RetentionInterval time.Duration

	// Alerts
	AlertWebhookURL     string
	AlertTelegramToken  string
	AlertTelegramChatID string
	AlertCooldown       time.Duration

	// Process
	ShutdownTimeout time.Duration
	MetricsAddr     string
	LogLevel        slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file is read first when present, except on Fly where secrets come
// from the platform.
func Load() (*Config, error) {
	if os.Getenv("ENV") != "fly" {
		_ = godotenv.Load() // best-effort
	}

	var errs []error
	c := &Config{
		FeedURL:            getEnv("FEED_URL", "wss://ws.finnhub.io"),
		FeedAPIKey:         getEnv("FEED_API_KEY", ""),
		FeedTOTPSecret:     getEnv("FEED_TOTP_SECRET", ""),
		FeedSymbols:        splitList(getEnv("FEED_SYMBOLS", "")),
		FeedShards:         getInt("FEED_SHARDS", 1, &errs),
		FeedBackoffInitial: getDuration("FEED_BACKOFF_INITIAL", 3*time.Second, &errs),
		FeedBackoffMax:     getDuration("FEED_BACKOFF_MAX", 60*time.Second, &errs),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0, &errs),

		DurableDriver:                 strings.ToLower(getEnv("DURABLE_DRIVER", "sqlite")),
		DatabaseURL:                   getEnv("DATABASE_URL", ""),
		SQLitePath:                    getEnv("SQLITE_PATH", "data/pipeline.db"),
		DurableTLS:                    getBool("DURABLE_TLS", true, &errs),
		DurableAllowPlaintextFallback: getBool("DURABLE_ALLOW_PLAINTEXT_FALLBACK", false, &errs),

		BarInterval:       getDuration("BAR_INTERVAL", time.Minute, &errs),
		LateTickGrace:     getDuration("LATE_TICK_GRACE", 5*time.Second, &errs),
		CacheRingCapacity: getInt("CACHE_RING_CAPACITY", 1440, &errs),
		FlushInterval:     getDuration("FLUSH_INTERVAL", 5*time.Second, &errs),
		FlushMaxRetries:   getInt("FLUSH_MAX_RETRIES", 3, &errs),

		FeatureInterval:   getDuration("FEATURE_INTERVAL", 10*time.Second, &errs),
		FeatureDAGPath:    getEnv("FEATURE_DAG_PATH", ""),
		RetentionWindow:   getDuration("RETENTION_WINDOW", 30*24*time.Hour, &errs),
		RetentionInterval: getDuration("RETENTION_INTERVAL", 24*time.Hour, &errs),

		AlertWebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
		AlertTelegramToken:  getEnv("ALERT_TELEGRAM_TOKEN", ""),
		AlertTelegramChatID: getEnv("ALERT_TELEGRAM_CHAT_ID", ""),
		AlertCooldown:       getDuration("ALERT_COOLDOWN", 5*time.Minute, &errs),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second, &errs),
		MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
	}

	if err := c.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "INFO"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", model.ErrConfiguration, errors.Join(errs...))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required settings and ranges. Every failure wraps
// model.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string
	if c.FeedAPIKey == "" {
		problems = append(problems, "FEED_API_KEY is required")
	}
	if !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		problems = append(problems, "FEED_URL must be ws:// or wss://")
	}
	if c.FeedShards < 1 {
		problems = append(problems, "FEED_SHARDS must be >= 1")
	}
	if c.FeedBackoffInitial <= 0 || c.FeedBackoffMax < c.FeedBackoffInitial {
		problems = append(problems, "FEED_BACKOFF_INITIAL must be > 0 and <= FEED_BACKOFF_MAX")
	}
	switch c.DurableDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for DURABLE_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for DURABLE_DRIVER=sqlite")
		}
	default:
		problems = append(problems, fmt.Sprintf("DURABLE_DRIVER %q must be postgres or sqlite", c.DurableDriver))
	}
	if c.BarInterval <= 0 {
		problems = append(problems, "BAR_INTERVAL must be > 0")
	}
	if c.LateTickGrace < 0 {
		problems = append(problems, "LATE_TICK_GRACE must be >= 0")
	}
	if c.CacheRingCapacity < 1 {
		problems = append(problems, "CACHE_RING_CAPACITY must be >= 1")
	}
	if c.FlushInterval <= 0 || c.FeatureInterval <= 0 || c.RetentionInterval <= 0 {
		problems = append(problems, "FLUSH_INTERVAL, FEATURE_INTERVAL and RETENTION_INTERVAL must be > 0")
	}
	if c.FlushMaxRetries < 0 {
		problems = append(problems, "FLUSH_MAX_RETRIES must be >= 0")
	}
	if c.RetentionWindow <= c.BarInterval {
		problems = append(problems, "RETENTION_WINDOW must exceed BAR_INTERVAL")
	}
	if (c.AlertTelegramToken == "") != (c.AlertTelegramChatID == "") {
		problems = append(problems, "ALERT_TELEGRAM_TOKEN and ALERT_TELEGRAM_CHAT_ID must be set together")
	}
	if c.ShutdownTimeout <= 0 {
		problems = append(problems, "SHUTDOWN_TIMEOUT must be > 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not an integer", key, v))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not a boolean", key, v))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not a duration", key, v))
		return fallback
	}
	return d
}

// splitList parses a comma-separated list, dropping blanks and duplicates.
func splitList(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
