package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment     string
	DBHost          string
	DBPort          string
	DBUsername      string
	DBPassword      string
	DBName          string
	DBSSLMode       string
	IMAPDialTimeout time.Duration
	// IMAPDebug turns on protocol wire logging to stderr.
	IMAPDebug       bool
	PageSize        int
	CacheSize       int
	CacheTTL        time.Duration
	CachePrefix     string
	SyncConcurrency int
	LogLevel        string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("WOMBAT_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment: env,
		DBHost:      getEnvOrDefault("WOMBAT_DB_HOST", "localhost"),
		DBPort:      getEnvOrDefault("WOMBAT_DB_PORT", "5432"),
		DBUsername:  getEnvOrDefault("WOMBAT_DB_USER", "wombat"),
		DBPassword:  os.Getenv("WOMBAT_DB_PASSWORD"),
		DBName:      getEnvOrDefault("WOMBAT_DB_NAME", "wombat"),
		DBSSLMode:   getEnvOrDefault("WOMBAT_DB_SSLMODE", "disable"),
		CachePrefix: getEnvOrDefault("WOMBAT_CACHE_PREFIX", "wombat:"),
		LogLevel:    getEnvOrDefault("WOMBAT_LOG_LEVEL", "info"),
	}

	var err error
	if config.IMAPDialTimeout, err = getDurationOrDefault("WOMBAT_IMAP_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if config.IMAPDebug, err = getBoolOrDefault("WOMBAT_IMAP_DEBUG", false); err != nil {
		return nil, err
	}
	if config.PageSize, err = getIntOrDefault("WOMBAT_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if config.CacheSize, err = getIntOrDefault("WOMBAT_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if config.CacheTTL, err = getDurationOrDefault("WOMBAT_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.SyncConcurrency, err = getIntOrDefault("WOMBAT_SYNC_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("WOMBAT_DB_PASSWORD is required")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("WOMBAT_PAGE_SIZE must be positive")
	}

	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("WOMBAT_SYNC_CONCURRENCY must be positive")
	}

	if c.IMAPDialTimeout <= 0 {
		return fmt.Errorf("WOMBAT_IMAP_DIAL_TIMEOUT must be positive")
	}

	return nil
}

// IsDevelopment reports whether logs should be human-readable.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     fmt.Sprintf("%s:%s", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", key, err)
	}
	return n, nil
}

func getBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s is not a valid boolean: %w", key, err)
	}
	return b, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return d, nil
}
