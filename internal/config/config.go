// Package config loads the context engine's environment configuration
// (spec §6) into one struct built once at startup — no package-level
// config globals are read by the rest of the engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// DataSource selects which LiveSource implementation the orchestrator wires up.
type DataSource string

const (
	DataSourceLiveREST             DataSource = "live_rest"
	DataSourceLiveStream           DataSource = "live_stream"
	DataSourceLiveConnector        DataSource = "live_connector"
	DataSourceSkipBackfillConnector DataSource = "skip_backfill_connector"
)

// ConcurrencyMode selects the default concurrency/delay profile for the
// historical fetcher (spec §4.D table).
type ConcurrencyMode string

const (
	ModeAuthenticated ConcurrencyMode = "authenticated"
	ModePublic        ConcurrencyMode = "public"
	ModeTest          ConcurrencyMode = "test"
)

// Config holds every environment-driven setting the engine reads at startup.
type Config struct {
	Symbol     string
	DataSource DataSource

	BackfillEnabled  bool
	DisableLiveData  bool
	BackfillTestMode bool

	CacheEnabled bool
	CacheDir     string
	HistoryDir   string
	StoreDBPath  string

	ProfileTickSize decimal.Decimal

	BackfillMaxRetries int
	BackfillRetryBase  time.Duration

	RateLimitThreshold int
	CooldownSeconds    int
	PublicDelayMs      int

	ChunkMinutes          int
	MaxIterationsPerChunk int
	MaxConcurrentAuthed   int
	MaxConcurrentPublic   int
	MaxConcurrentTest     int

	ExchangeAPIKey     string
	ExchangeAPISecret  string
	ExchangeRESTBase   string
	ExchangeWSBase     string
	ExchangeAPITimeout time.Duration

	LivePollInterval time.Duration

	HTTPAddr string
}

// Load reads a local .env (if present, via godotenv — never overriding
// existing OS env vars) then assembles Config from os.Getenv with the
// defaults from spec §4/§6.
func Load() Config {
	_ = godotenv.Load() // absence of a .env file is not an error

	cfg := Config{
		Symbol:     envOrDefault("SYMBOL", "BTCUSDT"),
		DataSource: DataSource(envOrDefault("DATA_SOURCE", string(DataSourceLiveREST))),

		BackfillEnabled:  envBool("CONTEXT_BACKFILL_ENABLED", true),
		DisableLiveData:  envBool("CONTEXT_DISABLE_LIVE_DATA", false),
		BackfillTestMode: envBool("CONTEXT_BACKFILL_TEST_MODE", false),

		CacheEnabled: envBool("BACKFILL_CACHE_ENABLED", true),
		CacheDir:     envOrDefault("BACKFILL_CACHE_DIR", "./data/cache"),
		HistoryDir:   envOrDefault("HISTORY_DIR", "./data/history"),
		StoreDBPath:  envOrDefault("STORE_DB_PATH", "./data/context_engine.db"),

		ProfileTickSize: envDecimal("PROFILE_TICK_SIZE", decimal.New(1, -1)),

		BackfillMaxRetries: envInt("BACKFILL_MAX_RETRIES", 5),
		BackfillRetryBase:  time.Duration(envInt("BACKFILL_RETRY_BASE_MS", 500)) * time.Millisecond,

		RateLimitThreshold: envInt("BACKFILL_RATE_LIMIT_THRESHOLD", 3),
		CooldownSeconds:    envInt("BACKFILL_COOLDOWN_SECONDS", 60),
		PublicDelayMs:      envInt("BACKFILL_PUBLIC_DELAY_MS", 75),

		ChunkMinutes:          envInt("BACKFILL_CHUNK_MINUTES", 10),
		MaxIterationsPerChunk: envInt("BACKFILL_MAX_ITERATIONS_PER_CHUNK", 500),
		// Per spec §9 Open Questions: the source varies max_concurrent_chunks
		// across 5/8/20 — we commit to one fixed default per mode rather than
		// inferring intent.
		MaxConcurrentAuthed: envInt("BACKFILL_MAX_CONCURRENT_AUTHED", 16),
		MaxConcurrentPublic: envInt("BACKFILL_MAX_CONCURRENT_PUBLIC", 5),
		MaxConcurrentTest:   1,

		ExchangeAPIKey:     os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret:  os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeRESTBase:   envOrDefault("EXCHANGE_REST_BASE_URL", "https://fapi.binance.com"),
		ExchangeWSBase:     envOrDefault("EXCHANGE_WS_BASE_URL", "wss://fstream.binance.com"),
		ExchangeAPITimeout: time.Duration(envInt("EXCHANGE_API_TIMEOUT_MS", 10000)) * time.Millisecond,

		LivePollInterval: time.Duration(envInt("LIVE_POLL_INTERVAL_MS", 2000)) * time.Millisecond,

		HTTPAddr: envOrDefault("HTTP_ADDR", ":8090"),
	}
	return cfg
}

// Mode reports which concurrency profile applies: test mode wins, then
// whether exchange credentials are configured, else public.
func (c Config) Mode() ConcurrencyMode {
	if c.BackfillTestMode {
		return ModeTest
	}
	if c.ExchangeAPIKey != "" && c.ExchangeAPISecret != "" {
		return ModeAuthenticated
	}
	return ModePublic
}

// MaxConcurrentChunks returns the configured concurrency for the active mode.
func (c Config) MaxConcurrentChunks() int {
	switch c.Mode() {
	case ModeTest:
		return c.MaxConcurrentTest
	case ModeAuthenticated:
		return c.MaxConcurrentAuthed
	default:
		return c.MaxConcurrentPublic
	}
}

// InterRequestDelay returns the base delay between public-mode requests;
// authenticated and test modes use no delay.
func (c Config) InterRequestDelay() time.Duration {
	if c.Mode() != ModePublic {
		return 0
	}
	return time.Duration(c.PublicDelayMs) * time.Millisecond
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}
