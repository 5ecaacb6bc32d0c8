package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimitRPS)
	assert.Equal(t, 10, cfg.OHLCVChunkSize)
	assert.Equal(t, 1000, cfg.OHLCVBulkInsertSize)
	assert.Equal(t, 100, cfg.WeeklyBatchSize)
	assert.Equal(t, 4, cfg.WeeklyMaxWorkers)
	assert.Equal(t, "Asia/Kolkata", cfg.MarketTZ)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_RPS", "8")
	t.Setenv("MARKET_TZ", "America/New_York")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.RateLimitRPS)
	assert.Equal(t, "America/New_York", cfg.MarketTZ)
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := &Config{MarketTZ: "Not/A_Zone", RateLimitRPS: 1, OHLCVChunkSize: 1}
	assert.Error(t, cfg.Validate())
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"UPSTREAM_ACCESS_TOKEN", "UPSTREAM_CLIENT_ID", "UPSTREAM_HISTORICAL_URL",
		"UPSTREAM_EOD_URL", "RATE_LIMIT_RPS", "OHLCV_CHUNK_SIZE",
		"OHLCV_BULK_INSERT_SIZE", "WEEKLY_BATCH_SIZE", "WEEKLY_MAX_WORKERS",
		"DB_URL", "SHARED_STATE_URL", "MARKET_TZ", "LOG_LEVEL", "DEV_MODE", "HTTP_PORT",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		if had {
			t.Cleanup(func() { os.Setenv(k, orig) })
		}
	}
}
