// Package config loads the ingestion core's runtime configuration.
//
// Configuration Loading Order:
// 1. Load from .env file (if present)
// 2. Read environment variables, falling back to defaults
//
// Environment variables always win over .env file values, since the
// process environment is read after godotenv has populated it only for
// keys that were not already set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/quantpulse/internal/utils"
)

func loadDotEnv() error {
	return godotenv.Load()
}

// Config holds the ingestion core's runtime configuration.
type Config struct {
	UpstreamAccessToken string // UPSTREAM_ACCESS_TOKEN
	UpstreamClientID    string // UPSTREAM_CLIENT_ID
	UpstreamHistoricalURL string // UPSTREAM_HISTORICAL_URL
	UpstreamEODURL      string // UPSTREAM_EOD_URL
	UpstreamMasterURL   string // UPSTREAM_MASTER_URL, security master file download endpoint

	SupportedExchanges []string // SUPPORTED_EXCHANGES, comma-separated EXCH_ID values C8's importer accepts

	RateLimitRPS int // RATE_LIMIT_RPS, requests/second ceiling enforced by C1

	OHLCVChunkSize      int // OHLCV_CHUNK_SIZE, instruments per chunk in C6
	OHLCVBulkInsertSize int // OHLCV_BULK_INSERT_SIZE, rows per transaction in C4

	WeeklyBatchSize  int // WEEKLY_BATCH_SIZE, instruments per C7 batch
	WeeklyMaxWorkers int // WEEKLY_MAX_WORKERS, C7 worker pool size

	DBURL          string // DB_URL, sqlite file path (or dir) for catalog/ohlcv/tasks databases
	SharedStateURL string // SHARED_STATE_URL, redis connection string backing C1

	MarketTZ string // MARKET_TZ, IANA timezone name used for EOD/weekly scheduling

	LogLevel string // LOG_LEVEL
	DevMode  bool   // DEV_MODE, console logging instead of JSON

	HTTPPort int // HTTP_PORT, ambient health/status server
}

// Load reads configuration from environment variables, applying a best
// effort .env load first. Missing optional values fall back to the
// defaults passed to the getEnv* calls below.
func Load() (*Config, error) {
	_ = loadDotEnv()

	cfg := &Config{
		UpstreamAccessToken:   getEnv("UPSTREAM_ACCESS_TOKEN", ""),
		UpstreamClientID:      getEnv("UPSTREAM_CLIENT_ID", ""),
		UpstreamHistoricalURL: getEnv("UPSTREAM_HISTORICAL_URL", ""),
		UpstreamEODURL:        getEnv("UPSTREAM_EOD_URL", ""),
		UpstreamMasterURL:     getEnv("UPSTREAM_MASTER_URL", ""),

		SupportedExchanges: utils.ParseCSV(getEnv("SUPPORTED_EXCHANGES", "NSE")),

		RateLimitRPS: getEnvAsInt("RATE_LIMIT_RPS", 5),

		OHLCVChunkSize:      getEnvAsInt("OHLCV_CHUNK_SIZE", 10),
		OHLCVBulkInsertSize: getEnvAsInt("OHLCV_BULK_INSERT_SIZE", 1000),

		WeeklyBatchSize:  getEnvAsInt("WEEKLY_BATCH_SIZE", 100),
		WeeklyMaxWorkers: getEnvAsInt("WEEKLY_MAX_WORKERS", 4),

		DBURL:          getEnv("DB_URL", "./data"),
		SharedStateURL: getEnv("SHARED_STATE_URL", "redis://localhost:6379/0"),

		MarketTZ: getEnv("MARKET_TZ", "Asia/Kolkata"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		HTTPPort: getEnvAsInt("HTTP_PORT", 8080),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration required for the ingestion core to
// run at all is present. Credentials can be empty in dry-run/test
// environments, but the market timezone must resolve.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.MarketTZ); err != nil {
		return fmt.Errorf("invalid MARKET_TZ %q: %w", c.MarketTZ, err)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %d", c.RateLimitRPS)
	}
	if c.OHLCVChunkSize <= 0 {
		return fmt.Errorf("OHLCV_CHUNK_SIZE must be positive, got %d", c.OHLCVChunkSize)
	}
	return nil
}

// Location returns the configured market timezone as a *time.Location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MarketTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
