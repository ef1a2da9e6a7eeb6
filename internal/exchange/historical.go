package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"contextengine/internal/cache"
	"contextengine/internal/logger"
	"contextengine/internal/model"
)

type rawAggTrade struct {
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (r rawAggTrade) toTrade() (model.Trade, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price: %w", err)
	}
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return model.Trade{}, fmt.Errorf("qty: %w", err)
	}
	side := model.SideBuy
	if r.IsBuyerMaker {
		// Buyer is passive: the trade was aggressed by the seller.
		side = model.SideSell
	}
	return model.Trade{
		Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
		Price:         price,
		Qty:           qty,
		AggressorSide: side,
		IsBuyerMaker:  r.IsBuyerMaker,
		TradeID:       model.NumTradeID(r.AggTradeID),
		FromBackfill:  true,
	}, nil
}

const aggTradesPageLimit = 1000

// fetchWindow pulls every trade in [start, end) for symbol via repeated
// paginated aggTrades calls. Per spec §4.D, the cursor for the next page is
// always last_trade_timestamp + 1ms — never max(last+1, cursor+1) — so the
// cursor always advances and no trade is returned twice. Trades that share
// a full page's final millisecond but did not fit in that page are not
// requested again.
func (c *Client) fetchWindow(ctx context.Context, symbol string, start, end time.Time) ([]model.Trade, error) {
	var all []model.Trade
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for iter := 0; iter < c.cfg.MaxIterationsPerChunk; iter++ {
		if cursor >= endMs {
			break
		}
		q := fmt.Sprintf("%s/fapi/v1/aggTrades?symbol=%s&startTime=%d&endTime=%d&limit=%d",
			c.cfg.ExchangeRESTBase, symbol, cursor, endMs, aggTradesPageLimit)

		var page []rawAggTrade
		if err := c.getJSON(ctx, q, &page); err != nil {
			return all, fmt.Errorf("fetchWindow: %w", err)
		}
		if len(page) == 0 {
			break
		}

		lastTs := cursor
		for _, raw := range page {
			tr, err := raw.toTrade()
			if err != nil {
				logger.Warn("Exchange", fmt.Sprintf("skipping malformed trade: %v", err))
				continue
			}
			all = append(all, tr)
			if raw.Timestamp > lastTs {
				lastTs = raw.Timestamp
			}
		}

		if len(page) < aggTradesPageLimit {
			break
		}
		cursor = lastTs + 1
	}
	return all, nil
}

// FetchRecentTrades fetches every trade in [since, now) for symbol as a
// single unchunked window — the polling primitive behind a REST-mode live
// source (DATA_SOURCE=live_rest), as opposed to BackfillWindow's
// bounded-concurrency historical sweep.
func (c *Client) FetchRecentTrades(ctx context.Context, symbol string, since time.Time) ([]model.Trade, error) {
	return c.fetchWindow(ctx, symbol, since, time.Now())
}

// splitIntoChunks partitions [start, end) into fixed-width chunks of
// chunkMinutes, the unit of parallel backfill work (spec §4.D, §5).
func splitIntoChunks(start, end time.Time, chunkMinutes int) []model.BackfillChunk {
	width := time.Duration(chunkMinutes) * time.Minute
	var chunks []model.BackfillChunk
	for cur := start; cur.Before(end); cur = cur.Add(width) {
		chunkEnd := cur.Add(width)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, model.BackfillChunk{Start: cur, End: chunkEnd, State: model.ChunkPending})
	}
	return chunks
}

// singleChunkThreshold is the minimum window duration worth splitting and
// dispatching across concurrent chunk workers. Below it, the overhead of
// spinning up goroutines buys nothing, so the window is fetched as a single
// paginated call instead (spec §4.D: "If total duration < 30 minutes, fall
// back to a single-threaded paginated fetch").
const singleChunkThreshold = 30 * time.Minute

// ChunkProgress reports chunk completion counts as a backfill run progresses
// — done/total/failed mirror model.BackfillStatus's fields directly, so
// callers can forward them straight into their own status struct.
type ChunkProgress func(done, total, failed int)

// BackfillWindow fetches [start, end) for symbol using bounded-concurrency
// chunk workers, merges results, and sorts them (spec §4.D, §5). It does not
// touch the cache — callers needing cache-aware resume should use
// BackfillWithCache. progress may be nil; when set, it's called after every
// chunk (including the single-threaded fallback's one "chunk") completes.
func (c *Client) BackfillWindow(ctx context.Context, symbol string, start, end time.Time, progress ChunkProgress) ([]model.Trade, []model.BackfillChunk, error) {
	if end.Sub(start) < singleChunkThreshold {
		chunk := model.BackfillChunk{Start: start, End: end, State: model.ChunkRunning}
		trades, err := c.fetchWindow(ctx, symbol, start, end)
		failed := 0
		if err != nil {
			chunk.State = model.ChunkFailed
			failed = 1
			logger.Error("Exchange", fmt.Sprintf("single-threaded chunk %s-%s failed: %v", start, end, err))
		} else {
			chunk.State = model.ChunkSucceeded
		}
		if progress != nil {
			progress(1, 1, failed)
		}
		sort.Sort(model.ByTimeThenID(trades))
		return trades, []model.BackfillChunk{chunk}, err
	}

	chunks := splitIntoChunks(start, end, c.cfg.ChunkMinutes)
	if len(chunks) == 0 {
		return nil, nil, nil
	}

	results := make([][]model.Trade, len(chunks))
	var firstErr error
	var mu sync.Mutex
	done, failedCount := 0, 0

	concurrency := c.cfg.MaxConcurrentChunks()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range chunks {
		i := i
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			chunks[i].State = model.ChunkRunning
			trades, err := c.fetchWindow(ctx, symbol, chunks[i].Start, chunks[i].End)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				chunks[i].State = model.ChunkFailed
				failedCount++
				if firstErr == nil {
					firstErr = err
				}
				logger.Error("Exchange", fmt.Sprintf("chunk %s-%s failed: %v", chunks[i].Start, chunks[i].End, err))
			} else {
				chunks[i].State = model.ChunkSucceeded
				results[i] = trades
			}
			done++
			if progress != nil {
				progress(done, len(chunks), failedCount)
			}
		}()
	}
	wg.Wait()

	var all []model.Trade
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Sort(model.ByTimeThenID(all))
	return all, chunks, firstErr
}

// BackfillWithCache performs the cache-aware backfill for one UTC date
// (spec §4.C, §4.D, §8 scenario 2 "resume with gap"): load whatever is
// cached, fetch only the gap after the last cached trade through end, then
// merge-and-dedup back into the cache. progress is forwarded to
// BackfillWindow unchanged; it is never called at all when the cache already
// covers the whole window (no chunks run).
func (c *Client) BackfillWithCache(ctx context.Context, cacheStore *cache.Store, symbol string, date, start, end time.Time, progress ChunkProgress) ([]model.Trade, error) {
	existing, loadErr := cacheStore.Load(date)
	if loadErr != nil {
		logger.Warn("Exchange", fmt.Sprintf("cache load error for %s, treating as empty: %v", date.Format("2006-01-02"), loadErr))
		existing = nil
	}

	fetchFrom := start
	if last, ok, err := cacheStore.LastTradeTimestamp(date); err == nil && ok && last.Add(time.Millisecond).After(fetchFrom) {
		fetchFrom = last.Add(time.Millisecond)
	}

	if !fetchFrom.Before(end) {
		return existing, nil
	}

	fresh, _, err := c.BackfillWindow(ctx, symbol, fetchFrom, end, progress)
	if err != nil && len(fresh) == 0 {
		return existing, err
	}

	merged, mergeErr := cacheStore.AppendAndDedup(date, fresh)
	if mergeErr != nil {
		return existing, fmt.Errorf("BackfillWithCache: cache write: %w", mergeErr)
	}
	return merged, err
}
