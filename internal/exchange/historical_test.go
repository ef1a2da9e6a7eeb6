package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contextengine/internal/cache"
	"contextengine/internal/config"
	"contextengine/internal/model"
)

func testConfig(baseURL string) config.Config {
	cfg := config.Load()
	cfg.ExchangeRESTBase = baseURL
	cfg.BackfillTestMode = true
	cfg.MaxConcurrentTest = 2
	cfg.ChunkMinutes = 5
	cfg.MaxIterationsPerChunk = 50
	cfg.BackfillMaxRetries = 3
	cfg.BackfillRetryBase = time.Millisecond
	cfg.PublicDelayMs = 0
	cfg.RateLimitThreshold = 2
	cfg.CooldownSeconds = 0
	return cfg
}

func aggTradeJSON(id int64, tsMs int64, price string) string {
	return fmt.Sprintf(`{"a":%d,"p":%q,"q":"1.0","f":%d,"l":%d,"T":%d,"m":false}`, id, price, id, id, tsMs)
}

func mkTradeAt(base time.Time, msOffset int64, id int64, price string) model.Trade {
	return model.Trade{
		Timestamp:     base.Add(time.Duration(msOffset) * time.Millisecond),
		Price:         decimal.RequireFromString(price),
		Qty:           decimal.RequireFromString("1"),
		AggressorSide: model.SideBuy,
		TradeID:       model.NumTradeID(id),
	}
}

// TestFetchWindow_PaginatesUntilExhausted verifies pagination stops once a
// short page (below the page limit) is returned.
func TestFetchWindow_PaginatesUntilExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			fmt.Fprintf(w, "[%s,%s]", aggTradeJSON(1, start, "100"), aggTradeJSON(2, start+1, "100.1"))
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	c := NewClient(cfg)
	trades, err := c.fetchWindow(context.Background(), "BTCUSDT", time.UnixMilli(1), time.UnixMilli(1000))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

// TestFetchWindow_ResumesFromLastTimestampPlusOne covers the spec §4.D
// cursor-advance rule: the next page's startTime is always
// last_trade_timestamp + 1ms, never max(last+1, cursor+1).
func TestFetchWindow_ResumesFromLastTimestampPlusOne(t *testing.T) {
	var seenStarts []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		seenStarts = append(seenStarts, start)
		w.Header().Set("Content-Type", "application/json")
		if len(seenStarts) == 1 {
			trades := make([]string, aggTradesPageLimit)
			for i := range trades {
				trades[i] = aggTradeJSON(int64(i+1), start+500, "100")
			}
			fmt.Fprint(w, "[")
			for i, tr := range trades {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprint(w, tr)
			}
			fmt.Fprint(w, "]")
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	c := NewClient(cfg)
	_, err := c.fetchWindow(context.Background(), "BTCUSDT", time.UnixMilli(1), time.UnixMilli(100000))
	require.NoError(t, err)
	require.Len(t, seenStarts, 2)
	require.Equal(t, seenStarts[0]+500+1, seenStarts[1])
}

// TestBackfillWithCache_ResumesFromGap covers spec §8 scenario 2: a cache
// already holds trades up to some timestamp; BackfillWithCache should only
// fetch the gap after that point, then merge it back in.
func TestBackfillWithCache_ResumesFromGap(t *testing.T) {
	date := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	// Chunk workers run concurrently, so record the earliest startTime seen.
	var mu sync.Mutex
	var gotStart int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		mu.Lock()
		if gotStart == 0 || start < gotStart {
			gotStart = start
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", aggTradeJSON(99, start+10, "105"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	cacheStore, err := cache.NewStore(cacheDir)
	require.NoError(t, err)

	existing := mkTradeAt(date, 1000, 1, "100")
	_, err = cacheStore.AppendAndDedup(date, []model.Trade{existing})
	require.NoError(t, err)

	cfg := testConfig(srv.URL)
	c := NewClient(cfg)

	start := date
	end := date.Add(2 * time.Hour)
	merged, err := c.BackfillWithCache(context.Background(), cacheStore, "BTCUSDT", date, start, end, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(merged), 2)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, date.UnixMilli()+1001, gotStart) // existing last ts (date + 1000ms) + 1
}

// TestBackfillWindow_RateLimitStorm covers spec §8 scenario 4: sustained
// 429s should open the circuit breaker, and once it clears, the fetch
// completes with no trades lost to a permanent failure.
func TestBackfillWindow_RateLimitStorm(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&n, 1)
		if count <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RateLimitThreshold = 2
	cfg.CooldownSeconds = 0
	c := NewClient(cfg)

	trades, _, err := c.BackfillWindow(context.Background(), "BTCUSDT", time.UnixMilli(1), time.UnixMilli(100), nil)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.GreaterOrEqual(t, atomic.LoadInt32(&n), int32(3))
}
