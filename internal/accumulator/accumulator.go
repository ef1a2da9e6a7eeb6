package accumulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"contextengine/internal/logger"
	"contextengine/internal/model"
	"contextengine/internal/quantize"
)

// VWAPMode selects the numerator/denominator pairing for VWAP (spec §4.F).
type VWAPMode string

const (
	VWAPModeBase  VWAPMode = "base"
	VWAPModeQuote VWAPMode = "quote"
)

// ProfilePersister is the narrow interface the accumulator needs from
// internal/store to carry a rolled day's profile forward — defined here,
// satisfied by *store.Store, so this package never imports storage.
type ProfilePersister interface {
	SaveRolledProfile(symbol, date string, pdh, pdl, poc, vah, val, vwap decimal.Decimal) error
}

// Accumulator is Component F: single-ingress, mutex-serialized intraday
// metrics. All mutation happens through Ingest; all reads happen through
// Snapshot, which copies out a consistent view under the same lock (spec
// §4.F "Concurrency", §4.H "reads must be consistent").
type Accumulator struct {
	mu sync.Mutex

	symbol string
	tick   decimal.Decimal

	disableLiveData bool

	sessionDate time.Time // UTC calendar date this accumulator currently covers
	profile     *volumeProfile

	sumPriceQty  decimal.Decimal
	sumQty       decimal.Decimal
	sumPrice2Qty decimal.Decimal // Σ price² * qty, quote-mode VWAP numerator

	dayHigh decimal.Decimal
	dayLow  decimal.Decimal
	seenAny bool

	buyQty  decimal.Decimal
	sellQty decimal.Decimal

	or model.OpeningRange

	tradeCount         int64
	tradesFromBackfill int64
	tradesFromLive     int64
	liveTradesRejected int64

	firstTradeAt time.Time
	lastTradeAt  time.Time

	previousDay model.PreviousDayLevels
}

// New creates an Accumulator for symbol, tick-sized per the resolved
// metadata, covering the UTC calendar day containing now.
func New(symbol string, tick decimal.Decimal, disableLiveData bool, now time.Time) *Accumulator {
	a := &Accumulator{
		symbol:          symbol,
		tick:            tick,
		disableLiveData: disableLiveData,
	}
	a.resetDay(now)
	return a
}

func (a *Accumulator) resetDay(now time.Time) {
	y, m, d := now.UTC().Date()
	a.sessionDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	a.profile = newVolumeProfile()
	a.sumPriceQty = decimal.Zero
	a.sumQty = decimal.Zero
	a.sumPrice2Qty = decimal.Zero
	a.dayHigh = decimal.Zero
	a.dayLow = decimal.Zero
	a.seenAny = false
	a.buyQty = decimal.Zero
	a.sellQty = decimal.Zero
	a.or = model.NewOpeningRange(now)
	a.tradeCount = 0
	a.tradesFromBackfill = 0
	a.tradesFromLive = 0
	a.liveTradesRejected = 0
	a.firstTradeAt = time.Time{}
	a.lastTradeAt = time.Time{}
}

// SetPreviousDay seeds the previous-day levels from a stored profile at
// startup (spec §4.G step 3), before any trade has been ingested; the
// orchestrator's day-roll loop calls it again after each check.
func (a *Accumulator) SetPreviousDay(levels model.PreviousDayLevels) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.previousDay = levels
}

func inSessionDay(sessionDate time.Time, ts time.Time) bool {
	y1, m1, d1 := sessionDate.Date()
	y2, m2, d2 := ts.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Ingest applies one trade to the accumulator (spec §4.F steps 1-8). It is
// the single entry point for both backfill and live trades; the caller
// supplies fromBackfill, never derived from the trade itself.
func (a *Accumulator) Ingest(trade model.Trade, fromBackfill bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Step 1: drop trades outside the current session day.
	if !inSessionDay(a.sessionDate, trade.Timestamp) {
		return nil
	}

	// Step 2: reject live trades while verification mode is active.
	if a.disableLiveData && !fromBackfill {
		a.liveTradesRejected++
		return nil
	}

	if err := trade.Valid(); err != nil {
		logger.Warn("Accumulator", fmt.Sprintf("dropping invalid trade: %v", err))
		return nil
	}

	bin, err := quantize.Quantize(trade.Price, a.tick)
	if err != nil {
		logger.Warn("Accumulator", fmt.Sprintf("dropping trade with unquantizable price: %v", err))
		return nil
	}

	// Step 3.
	if fromBackfill {
		a.tradesFromBackfill++
	} else {
		a.tradesFromLive++
	}
	a.tradeCount++

	// Step 4.
	pq := trade.Price.Mul(trade.Qty)
	a.sumPriceQty = a.sumPriceQty.Add(pq)
	a.sumQty = a.sumQty.Add(trade.Qty)
	a.sumPrice2Qty = a.sumPrice2Qty.Add(trade.Price.Mul(pq))

	if a.sumQty.Sign() < 0 || a.sumPriceQty.Sign() < 0 {
		panic(fmt.Sprintf("accumulator: invariant violated, sum_qty=%s sum_price_qty=%s", a.sumQty, a.sumPriceQty))
	}

	// Step 5.
	a.profile.add(bin, trade.Qty)

	// Step 6.
	if !a.seenAny {
		a.dayHigh = trade.Price
		a.dayLow = trade.Price
		a.seenAny = true
	} else {
		if trade.Price.GreaterThan(a.dayHigh) {
			a.dayHigh = trade.Price
		}
		if trade.Price.LessThan(a.dayLow) {
			a.dayLow = trade.Price
		}
	}

	// Step 7.
	a.or.Observe(trade.Timestamp, trade.Price)

	// Step 8.
	if trade.AggressorSide == model.SideBuy {
		a.buyQty = a.buyQty.Add(trade.Qty)
	} else {
		a.sellQty = a.sellQty.Add(trade.Qty)
	}

	if a.firstTradeAt.IsZero() {
		a.firstTradeAt = trade.Timestamp
	}
	a.lastTradeAt = trade.Timestamp

	return nil
}

// vwapLocked computes VWAP under the given mode from already-locked state.
func (a *Accumulator) vwapLocked(mode VWAPMode) (decimal.Decimal, bool) {
	switch mode {
	case VWAPModeQuote:
		if a.sumPriceQty.Sign() == 0 {
			return decimal.Zero, false
		}
		return a.sumPrice2Qty.Div(a.sumPriceQty), true
	default:
		if a.sumQty.Sign() == 0 {
			return decimal.Zero, false
		}
		return a.sumPriceQty.Div(a.sumQty), true
	}
}

// VWAP returns the volume-weighted average price under mode, or ok=false if
// no trades have been ingested yet.
func (a *Accumulator) VWAP(mode VWAPMode) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vwapLocked(mode)
}

// CumulativeDelta returns Σqty_buy - Σqty_sell for the session so far.
func (a *Accumulator) CumulativeDelta() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buyQty.Sub(a.sellQty)
}

// RollDay snapshots the current day into previous-day levels, persists the
// closing profile via persist (if non-nil), and resets all intraday state
// for the new UTC day (spec §4.F "Day roll", §4.G "Day roll").
func (a *Accumulator) RollDay(now time.Time, persist ProfilePersister) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	y, m, d := now.UTC().Date()
	nowDate := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if !nowDate.After(a.sessionDate) {
		return nil // not yet past the current session day
	}

	sorted := a.profile.sorted()
	levels := model.PreviousDayLevels{Date: a.sessionDate, PDH: a.dayHigh, PDL: a.dayLow}
	if vwap, ok := a.vwapLocked(VWAPModeBase); ok {
		levels.VWAP = vwap
	}
	if p, ok := poc(sorted); ok {
		levels.POC = p.price
		if vah, val, ok := valueArea(sorted, p.price, a.profile.total()); ok {
			levels.VAH = vah
			levels.VAL = val
		}
	}
	levels.Valid = a.seenAny

	closingDate := a.sessionDate
	if persist != nil && a.seenAny {
		if err := persist.SaveRolledProfile(a.symbol, closingDate.Format("2006-01-02"),
			levels.PDH, levels.PDL, levels.POC, levels.VAH, levels.VAL, levels.VWAP); err != nil {
			logger.Warn("Accumulator", fmt.Sprintf("failed to persist previous-day profile: %v", err))
		}
	}

	a.previousDay = levels
	a.resetDay(now)
	return nil
}
