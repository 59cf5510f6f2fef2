package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration value")
)

const (
	defaultIMAPTimeout    = 180 * time.Second
	defaultDatabasePath   = "./data/calsync.db"
	defaultHTTPAddr       = ":8080"
	defaultSyncIntervalMN = 5
	minSyncIntervalMN     = 1
	maxSyncIntervalMN     = 720
)

// Config holds all application configuration.
type Config struct {
	SecretKey           string
	IMAPClientTimeout   time.Duration
	DatabasePath        string
	HTTPAddr            string
	SyncIntervalMinutes int
	LogLevel            string
}

// Load loads configuration from environment variables, attempting to load a
// .env file first and continuing if one is not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	cfg.SecretKey = getEnvRequired("CALSYNC_SECRET_KEY")

	timeoutSecs, err := getEnvInt("IMAP_CLIENT_TIMEOUT", int(defaultIMAPTimeout.Seconds()))
	if err != nil {
		log.Printf("config: invalid IMAP_CLIENT_TIMEOUT, falling back to default: %v", err)
		timeoutSecs = int(defaultIMAPTimeout.Seconds())
	}
	cfg.IMAPClientTimeout = time.Duration(timeoutSecs) * time.Second

	cfg.DatabasePath = getEnv("DATABASE_PATH", defaultDatabasePath)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", defaultHTTPAddr)

	interval, err := getEnvInt("SYNC_INTERVAL_MINUTES", defaultSyncIntervalMN)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.SyncIntervalMinutes = clampInt(interval, minSyncIntervalMN, maxSyncIntervalMN)

	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func (c *Config) getMissingRequired() []string {
	var missing []string
	if c.SecretKey == "" {
		missing = append(missing, "CALSYNC_SECRET_KEY")
	}
	return missing
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvRequired(key string) string {
	return os.Getenv(key)
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}
