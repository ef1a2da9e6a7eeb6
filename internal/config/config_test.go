package config

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SYMBOL", "DATA_SOURCE", "CONTEXT_BACKFILL_ENABLED", "CONTEXT_DISABLE_LIVE_DATA",
		"CONTEXT_BACKFILL_TEST_MODE", "BACKFILL_CACHE_ENABLED", "BACKFILL_CACHE_DIR",
		"PROFILE_TICK_SIZE", "BACKFILL_MAX_RETRIES", "BACKFILL_RATE_LIMIT_THRESHOLD",
		"BACKFILL_COOLDOWN_SECONDS", "BACKFILL_PUBLIC_DELAY_MS", "EXCHANGE_API_KEY",
		"EXCHANGE_API_SECRET",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	require.Equal(t, "BTCUSDT", cfg.Symbol)
	require.Equal(t, DataSourceLiveREST, cfg.DataSource)
	require.True(t, cfg.BackfillEnabled)
	require.False(t, cfg.DisableLiveData)
	require.True(t, cfg.ProfileTickSize.Equal(dec("0.1")))
	require.Equal(t, ModePublic, cfg.Mode())
	require.Equal(t, 5, cfg.MaxConcurrentChunks())
}

func TestLoad_AuthenticatedModeFromCredentials(t *testing.T) {
	clearEnv(t)
	os.Setenv("EXCHANGE_API_KEY", "k")
	os.Setenv("EXCHANGE_API_SECRET", "s")
	cfg := Load()
	require.Equal(t, ModeAuthenticated, cfg.Mode())
	require.Equal(t, 16, cfg.MaxConcurrentChunks())
	require.Equal(t, int64(0), cfg.InterRequestDelay().Milliseconds())
}

func TestLoad_TestModeOverridesCredentials(t *testing.T) {
	clearEnv(t)
	os.Setenv("EXCHANGE_API_KEY", "k")
	os.Setenv("EXCHANGE_API_SECRET", "s")
	os.Setenv("CONTEXT_BACKFILL_TEST_MODE", "true")
	cfg := Load()
	require.Equal(t, ModeTest, cfg.Mode())
	require.Equal(t, 1, cfg.MaxConcurrentChunks())
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	os.Setenv("BACKFILL_MAX_RETRIES", "not-a-number")
	cfg := Load()
	require.Equal(t, 5, cfg.BackfillMaxRetries)
}
