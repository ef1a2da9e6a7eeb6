// Package orchestrator implements Component G: startup sequencing, the
// background backfill task, the day-roll clock, bounded-timeout shutdown,
// and status reporting — grounded on the teacher's main.go (signal-driven
// graceful shutdown, background goroutines started from the entry point)
// generalized into a reusable, testable type instead of inline main() code.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"contextengine/internal/accumulator"
	"contextengine/internal/cache"
	"contextengine/internal/config"
	"contextengine/internal/exchange"
	"contextengine/internal/live"
	"contextengine/internal/logger"
	"contextengine/internal/model"
	"contextengine/internal/store"
)

// ShutdownTimeout bounds how long Shutdown waits for the background backfill
// task and live reader to exit cooperatively before abandoning them.
const ShutdownTimeout = 10 * time.Second

// DayRollInterval is how often the clock-driven day-roll task checks for a
// UTC midnight crossing (spec §4.G "Day roll").
const DayRollInterval = time.Minute

// Engine ties every subcomponent together. It owns no HTTP surface itself —
// internal/httpapi reads from it.
type Engine struct {
	cfg        config.Config
	cacheStore *cache.Store
	metaStore  *store.Store
	exClient   *exchange.Client
	liveSource live.Source
	acc        *accumulator.Accumulator

	mu             sync.Mutex
	status         model.BackfillStatus
	tradingEnabled bool

	// Ordering guarantee (spec §5): live events arriving before the
	// background backfill completes are buffered, then drained through a
	// dedup-by-trade-id filter against the highest id backfill actually
	// ingested, rather than risking a live trade double-counting or
	// pre-empting a not-yet-ingested backfill trade for the same instant.
	backfillDone      bool
	maxBackfillID     model.TradeID
	haveMaxBackfillID bool
	liveBuffer        []model.Trade

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every subcomponent from cfg but performs no I/O beyond opening
// local storage — network calls happen only once Start is called.
func New(cfg config.Config) (*Engine, error) {
	metaStore, err := store.Open(cfg.StoreDBPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	var cacheStore *cache.Store
	if cfg.CacheEnabled {
		cacheStore, err = cache.NewStore(cfg.CacheDir)
		if err != nil {
			metaStore.Close()
			return nil, fmt.Errorf("orchestrator: open cache: %w", err)
		}
	}

	exClient := exchange.NewClient(cfg)

	e := &Engine{
		cfg:        cfg,
		cacheStore: cacheStore,
		metaStore:  metaStore,
		exClient:   exClient,
		status:     model.BackfillStatus{State: model.BackfillNotStarted},
	}
	return e, nil
}

func (e *Engine) skipBackfillKind() bool {
	return e.cfg.DataSource == config.DataSourceSkipBackfillConnector
}

func (e *Engine) newLiveSource() live.Source {
	switch e.cfg.DataSource {
	case config.DataSourceLiveREST:
		return live.NewRESTPollSource(e.exClient, e.cfg.LivePollInterval)
	default:
		// live_stream, live_connector, and skip_backfill_connector all ride
		// the same WebSocketSource transport in this deployment — per spec
		// §9's note that a subprocess-wrapped connector is "one more
		// LiveSource implementation behind the trait; only the I/O
		// transport differs," which is out of scope here (see DESIGN.md).
		return live.NewWebSocketSource(e.cfg.ExchangeWSBase)
	}
}

// Start runs the non-blocking startup sequence (spec §4.G steps 1-5) and
// returns once the live source has been told to connect — never once
// backfill (if any) has finished.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// Step 2: resolve tick size.
	tick := e.resolveTickSize(runCtx)

	// Step 3: load previous-day profile from cache if present.
	now := time.Now().UTC()
	e.acc = accumulator.New(e.cfg.Symbol, tick, e.cfg.DisableLiveData, now)
	if levels, ok := e.loadPreviousDayLevels(now); ok {
		e.acc.SetPreviousDay(levels)
	}

	// Step 4: spawn the background backfill task, unless disabled or the
	// live source kind says to skip it.
	if e.cfg.BackfillEnabled && !e.skipBackfillKind() {
		runID := uuid.NewString()
		e.mu.Lock()
		e.status = model.BackfillStatus{State: model.BackfillPending, StartedAt: now, RunID: runID}
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runBackfillThenEnableTrading(runCtx, runID)
		}()
	} else {
		e.mu.Lock()
		e.status = model.BackfillStatus{State: model.BackfillDisabled}
		e.tradingEnabled = true
		e.mu.Unlock()
	}

	// Step 5: start the live source; live events flow in immediately, but
	// trading_enabled stays false until backfill completes/skips/disables.
	e.liveSource = e.newLiveSource()
	if err := e.liveSource.Subscribe(e.cfg.Symbol); err != nil {
		return fmt.Errorf("orchestrator: subscribe: %w", err)
	}
	if err := e.liveSource.Connect(runCtx); err != nil {
		return fmt.Errorf("orchestrator: connect live source: %w", err)
	}

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.consumeLiveEvents(runCtx) }()
	go func() { defer e.wg.Done(); e.dayRollLoop(runCtx) }()

	return nil
}

func decimalFromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// apiKeyPrefix returns a short, loggable prefix of an API key — enough to
// confirm the right credential loaded without ever printing the whole key.
func apiKeyPrefix(key string) string {
	if key == "" {
		return "(none)"
	}
	if len(key) <= 6 {
		return key
	}
	return key[:6] + "…"
}

func (e *Engine) resolveTickSize(ctx context.Context) decimal.Decimal {
	if cached, ok := e.metaStore.LoadSymbolMetadata(e.cfg.Symbol); ok {
		if d, err := decimalFromString(cached.TickSize); err == nil {
			return d
		}
	}
	meta := e.exClient.ResolveSymbolMetadata(ctx, e.cfg.Symbol, e.cfg.ProfileTickSize)
	_ = e.metaStore.SaveSymbolMetadata(store.SymbolMetadata{
		Symbol: meta.Symbol, TickSize: meta.TickSize.String(), StepSize: meta.StepSize.String(),
		MinQty: meta.MinQty.String(), Source: meta.Source, ResolvedAt: time.Now().UTC(),
	})
	return meta.TickSize
}

func (e *Engine) loadPreviousDayLevels(now time.Time) (model.PreviousDayLevels, bool) {
	row, ok := e.metaStore.LoadPreviousDayProfile(e.cfg.Symbol, now.Format("2006-01-02"))
	if !ok {
		return model.PreviousDayLevels{}, false
	}
	levels := model.PreviousDayLevels{Valid: true}
	var err error
	if levels.Date, err = time.Parse("2006-01-02", row.Date); err != nil {
		return model.PreviousDayLevels{}, false
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&levels.PDH, row.PDH}, {&levels.PDL, row.PDL}, {&levels.POC, row.POC},
		{&levels.VAH, row.VAH}, {&levels.VAL, row.VAL}, {&levels.VWAP, row.VWAP},
	}
	for _, f := range fields {
		d, err := decimalFromString(f.src)
		if err != nil {
			return model.PreviousDayLevels{}, false
		}
		*f.dst = d
	}
	return levels, true
}

// runBackfillThenEnableTrading is the background task from spec §4.G.
func (e *Engine) runBackfillThenEnableTrading(ctx context.Context, runID string) {
	e.setStatus(func(s *model.BackfillStatus) { s.State = model.BackfillRunning })

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// Test mode never runs the full-day backfill — it's only meant to
	// validate authentication with a small, serial, verbosely-logged
	// reference fetch (spec §4.D "Test mode"). The cache is still keyed by
	// today's date; only the fetch window itself narrows to the last hour.
	windowStart, windowEnd := dayStart, now
	if e.cfg.BackfillTestMode {
		windowStart, windowEnd = now.Add(-time.Hour), now
		logger.Info("Orchestrator", fmt.Sprintf(
			"test mode: serial 1h reference window %s -> %s, symbol=%s, authenticated=%v, api_key_prefix=%s",
			windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339), e.cfg.Symbol,
			e.exClient.Authenticated(), apiKeyPrefix(e.cfg.ExchangeAPIKey),
		))
	}

	// progress threads live chunk counts into the status the HTTP layer
	// reads, so /backfill/status's chunks_done/chunks_total/chunks_failed/
	// eta_seconds reflect the actual run instead of staying zero forever.
	progress := func(done, total, failed int) {
		e.setStatus(func(s *model.BackfillStatus) {
			s.ChunksDone = done
			s.ChunksTotal = total
			s.ChunksFailed = failed
			if done > 0 && !s.StartedAt.IsZero() {
				secPerChunk := time.Since(s.StartedAt).Seconds() / float64(done)
				if eta := secPerChunk * float64(total-done); eta > 0 {
					s.ETASeconds = eta
				} else {
					s.ETASeconds = 0
				}
			}
		})
	}

	var trades []model.Trade
	var err error
	if e.cacheStore != nil {
		trades, err = e.exClient.BackfillWithCache(ctx, e.cacheStore, e.cfg.Symbol, dayStart, windowStart, windowEnd, progress)
	} else {
		trades, _, err = e.exClient.BackfillWindow(ctx, e.cfg.Symbol, windowStart, windowEnd, progress)
	}

	if ctx.Err() != nil {
		e.setStatus(func(s *model.BackfillStatus) { s.State = model.BackfillCancelled })
		return
	}
	if err != nil && len(trades) == 0 {
		e.setStatus(func(s *model.BackfillStatus) {
			s.State = model.BackfillError
			s.LastError = err.Error()
		})
		logger.Error("Orchestrator", fmt.Sprintf("backfill run %s failed: %v", runID, err))

		// Live trades buffered while the run was outstanding still count.
		e.mu.Lock()
		buffered := e.liveBuffer
		e.liveBuffer = nil
		e.mu.Unlock()
		for _, tr := range buffered {
			e.ingestLiveDeduped(tr)
		}
		return
	}

	for _, tr := range trades {
		if ingestErr := e.acc.Ingest(tr, true); ingestErr != nil {
			logger.Warn("Orchestrator", fmt.Sprintf("backfill ingest error: %v", ingestErr))
		}
	}

	e.mu.Lock()
	if len(trades) > 0 {
		last := trades[len(trades)-1].TradeID
		e.maxBackfillID = last
		e.haveMaxBackfillID = true
	}
	e.backfillDone = true
	buffered := e.liveBuffer
	e.liveBuffer = nil
	e.mu.Unlock()

	for _, tr := range buffered {
		e.ingestLiveDeduped(tr)
	}

	snap := e.acc.Snapshot()
	logger.Success("Orchestrator", fmt.Sprintf(
		"backfill run %s complete: %s trades (%s backfill / %s live / %s rejected), vwap=%s poc=%s range=%s",
		runID,
		humanize.Comma(snap.TradeCount), humanize.Comma(snap.TradesFromBackfill),
		humanize.Comma(snap.TradesFromLive), humanize.Comma(snap.LiveTradesRejected),
		snap.VWAPBase.String(), snap.POCPrice.String(), snap.DayHigh.Sub(snap.DayLow).String(),
	))

	e.mu.Lock()
	e.status.State = model.BackfillComplete
	e.status.TradesLoaded = snap.TradeCount
	e.tradingEnabled = true
	e.mu.Unlock()
}

func (e *Engine) setStatus(mutate func(*model.BackfillStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.status)
}

// consumeLiveEvents drains the live source into the accumulator, buffering
// while backfill is outstanding (spec §5 ordering guarantee).
func (e *Engine) consumeLiveEvents(ctx context.Context) {
	for {
		tr, err := e.liveSource.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Orchestrator", fmt.Sprintf("live source error: %v", err))
			continue
		}

		e.mu.Lock()
		if !e.backfillDone && e.statusIsBackfilling() {
			e.liveBuffer = append(e.liveBuffer, tr)
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		e.ingestLiveDeduped(tr)
	}
}

// statusIsBackfilling reports whether a backfill run is pending/running.
// Must be called with e.mu held.
func (e *Engine) statusIsBackfilling() bool {
	return e.status.State == model.BackfillPending || e.status.State == model.BackfillRunning
}

func (e *Engine) ingestLiveDeduped(tr model.Trade) {
	e.mu.Lock()
	drop := e.haveMaxBackfillID && !e.maxBackfillID.Less(tr.TradeID)
	e.mu.Unlock()
	if drop {
		return
	}
	if err := e.acc.Ingest(tr, false); err != nil {
		logger.Warn("Orchestrator", fmt.Sprintf("live ingest error: %v", err))
	}
}

// appendDaySummary records the closing day's metrics for operational
// history, using the snapshot taken immediately before RollDay reset it.
func (e *Engine) appendDaySummary(closing accumulator.Snapshot) {
	err := e.metaStore.AppendDaySummary(store.DaySummary{
		Symbol:         closing.Symbol,
		Date:           closing.SessionDate.Format("2006-01-02"),
		TradesTotal:    closing.TradeCount,
		TradesBackfill: closing.TradesFromBackfill,
		TradesLive:     closing.TradesFromLive,
		LiveRejected:   closing.LiveTradesRejected,
		VWAP:           closing.VWAPBase.String(),
		POC:            closing.POCPrice.String(),
		DayHigh:        closing.DayHigh.String(),
		DayLow:         closing.DayLow.String(),
	})
	if err != nil {
		logger.Warn("Orchestrator", fmt.Sprintf("append day summary failed: %v", err))
	}
}

// dayRollLoop checks once a minute for a UTC midnight crossing (spec §4.G).
func (e *Engine) dayRollLoop(ctx context.Context) {
	ticker := time.NewTicker(DayRollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			before := e.acc.Snapshot()
			if err := e.acc.RollDay(now.UTC(), e.metaStore); err != nil {
				logger.Error("Orchestrator", fmt.Sprintf("day roll failed: %v", err))
				continue
			}
			if after := e.acc.Snapshot(); after.SessionDate.After(before.SessionDate) {
				e.appendDaySummary(before)
			}
			if levels, ok := e.loadPreviousDayLevels(now.UTC()); ok {
				e.acc.SetPreviousDay(levels)
			}
		}
	}
}

// Shutdown cancels background tasks, awaits them with a bounded timeout,
// and closes network/storage resources deterministically (spec §4.G).
func (e *Engine) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.liveSource != nil {
		_ = e.liveSource.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		logger.Warn("Orchestrator", "shutdown timeout exceeded, abandoning background tasks")
	}

	if e.metaStore != nil {
		return e.metaStore.Close()
	}
	return nil
}

// Snapshot returns the current accumulator state.
func (e *Engine) Snapshot() accumulator.Snapshot { return e.acc.Snapshot() }

// Symbol returns the configured trading symbol.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// ExchangeClient exposes the engine's own exchange client so the HTTP layer
// can serve live debug reads (e.g. /debug/exchangeinfo) through the same
// circuit breaker and rate limiter state backfill uses, instead of standing
// up a second, uncoordinated client.
func (e *Engine) ExchangeClient() *exchange.Client { return e.exClient }

// BackfillStatus returns the current backfill progress.
func (e *Engine) BackfillStatus() model.BackfillStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// TradingEnabled reports whether backfill has completed/skipped/disabled.
func (e *Engine) TradingEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradingEnabled
}

// MetricsPrecision reports PRECISE once backfill has reached a terminal
// success-equivalent state, otherwise IMPRECISE with a rough completion
// percentage (spec §4.G "Status reporting").
func (e *Engine) MetricsPrecision() string {
	e.mu.Lock()
	s := e.status
	e.mu.Unlock()
	if s.Terminal() {
		return "PRECISE"
	}
	pct := 0.0
	if s.ChunksTotal > 0 {
		pct = 100 * float64(s.ChunksDone) / float64(s.ChunksTotal)
	}
	return fmt.Sprintf("IMPRECISE (backfill %.0f%%)", pct)
}
