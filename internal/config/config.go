// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	AppName   string
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Broker
	AMQPURL             string
	RedditProxyQueue    string // shared request queue for the forum proxy
	ResponseQueuePrefix string // per-worker response queues are prefix-iden
	RechecksQueue       string

	// Cache
	MemcachedHost string
	MemcachedPort string

	// Currency layer
	CurrencyLayerAPIKey string
	CurrencyCacheTime   time.Duration

	// Scanning
	Subreddits       []string // comma list, first entry is the primary subreddit
	LendersSubreddit string   // subreddit whose approved-submitter list marks lenders

	// Interaction thresholds
	KarmaMin           int64
	CommentKarmaMin    int64
	AccountAgeMin      time.Duration
	IgnoredUsers       []string // lowercased; defaults to the bot's own handle
	DefaultPermissions []string

	// Metrics listener, empty disables it
	MetricsAddr string
}

const (
	DefaultAppName           = "loansbot"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultCurrencyCacheTime = 14400 * time.Second
	DefaultRechecksQueue     = "lbrechecks"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	karmaMin := getEnvInt64("KARMA_MIN", 1000)

	cfg := &Config{
		AppName:             getEnv("APPNAME", DefaultAppName),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		RedditProxyQueue:    getEnv("AMQP_REDDIT_PROXY_QUEUE", "rproxy"),
		ResponseQueuePrefix: getEnv("AMQP_RESPONSE_QUEUE_PREFIX", "lbresponses"),
		RechecksQueue:       getEnv("AMQP_RECHECKS_QUEUE", DefaultRechecksQueue),
		MemcachedHost:       getEnv("MEMCACHED_HOST", "localhost"),
		MemcachedPort:       getEnv("MEMCACHED_PORT", "11211"),
		CurrencyLayerAPIKey: os.Getenv("CURRENCY_LAYER_API_KEY"),
		// The original deployment intended 14,400 seconds here; treat
		// that as the default.
		CurrencyCacheTime: time.Duration(getEnvInt64(
			"CURRENCY_LAYER_CACHE_TIME",
			int64(DefaultCurrencyCacheTime/time.Second),
		)) * time.Second,
		Subreddits:         splitList(getEnv("SUBREDDITS", "borrow")),
		LendersSubreddit:   getEnv("LENDERS_SUBREDDIT", "lenders"),
		KarmaMin:           karmaMin,
		CommentKarmaMin:    getEnvInt64("COMMENT_KARMA_MIN", int64(float64(karmaMin)*0.4)),
		AccountAgeMin:      time.Duration(getEnvInt64("ACCOUNT_AGE_SECONDS_MIN", 7776000)) * time.Second,
		IgnoredUsers:       lowerAll(splitList(getEnv("IGNORED_USERS", "loansbot"))),
		DefaultPermissions: splitList(os.Getenv("DEFAULT_PERMISSIONS")),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required")
	}
	if c.CurrencyLayerAPIKey == "" {
		return fmt.Errorf("CURRENCY_LAYER_API_KEY is required")
	}
	if len(c.Subreddits) == 0 {
		return fmt.Errorf("SUBREDDITS must name at least one subreddit")
	}
	return nil
}

// PrimarySubreddit is the subreddit moderation actions (bans, flair)
// are applied to.
func (c *Config) PrimarySubreddit() string {
	return c.Subreddits[0]
}

// MemcachedAddr returns host:port for the shared cache.
func (c *Config) MemcachedAddr() string {
	return c.MemcachedHost + ":" + c.MemcachedPort
}

// IsIgnored reports whether the username is on the ignored list.
func (c *Config) IsIgnored(username string) bool {
	username = strings.ToLower(username)
	for _, u := range c.IgnoredUsers {
		if u == username {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}
