package accumulator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"contextengine/internal/model"
)

func stableSortDescByVolume(bins []profileBin) {
	sort.SliceStable(bins, func(i, j int) bool { return bins[i].volume.GreaterThan(bins[j].volume) })
}

// ProfileBinSnapshot is one row of debug_poc()'s top-N bin listing.
type ProfileBinSnapshot struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Snapshot is a point-in-time, internally consistent copy of accumulator
// state, the basis for every Read API projection (spec §4.H).
type Snapshot struct {
	Symbol      string
	SessionDate time.Time
	TickSize    decimal.Decimal

	VWAPBase    decimal.Decimal
	VWAPBaseOK  bool
	VWAPQuote   decimal.Decimal
	VWAPQuoteOK bool

	POCPrice  decimal.Decimal
	POCVolume decimal.Decimal
	POCOK     bool

	VAH, VAL decimal.Decimal
	VAOK     bool

	DayHigh, DayLow decimal.Decimal

	OR model.OpeningRange

	CumulativeDelta decimal.Decimal

	SumPriceQty decimal.Decimal
	SumQty      decimal.Decimal

	TradeCount         int64
	TradesFromBackfill int64
	TradesFromLive     int64
	LiveTradesRejected int64

	FirstTradeAt time.Time
	LastTradeAt  time.Time

	TopBins []ProfileBinSnapshot

	PreviousDay model.PreviousDayLevels

	DisableLiveData bool
}

// Snapshot captures a consistent view of accumulator state under one lock
// acquisition — no caller ever observes sum_price_qty from one trade and
// sum_qty from another (spec §4.H).
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		Symbol:             a.symbol,
		SessionDate:        a.sessionDate,
		TickSize:           a.tick,
		DayHigh:            a.dayHigh,
		DayLow:             a.dayLow,
		OR:                 a.or,
		CumulativeDelta:    a.buyQty.Sub(a.sellQty),
		SumPriceQty:        a.sumPriceQty,
		SumQty:             a.sumQty,
		TradeCount:         a.tradeCount,
		TradesFromBackfill: a.tradesFromBackfill,
		TradesFromLive:     a.tradesFromLive,
		LiveTradesRejected: a.liveTradesRejected,
		FirstTradeAt:       a.firstTradeAt,
		LastTradeAt:        a.lastTradeAt,
		PreviousDay:        a.previousDay,
		DisableLiveData:    a.disableLiveData,
	}

	if vwap, ok := a.vwapLocked(VWAPModeBase); ok {
		s.VWAPBase, s.VWAPBaseOK = vwap, true
	}
	if vwap, ok := a.vwapLocked(VWAPModeQuote); ok {
		s.VWAPQuote, s.VWAPQuoteOK = vwap, true
	}

	sorted := a.profile.sorted()
	if p, ok := poc(sorted); ok {
		s.POCPrice, s.POCVolume, s.POCOK = p.price, p.volume, true
		if vah, val, ok := valueArea(sorted, p.price, a.profile.total()); ok {
			s.VAH, s.VAL, s.VAOK = vah, val, true
		}
	}

	s.TopBins = topBins(sorted, 10)
	return s
}

// topBins returns the n highest-volume bins, ties broken by ascending price
// (spec §4.H debug_poc()).
func topBins(sorted []profileBin, n int) []ProfileBinSnapshot {
	cp := make([]profileBin, len(sorted))
	copy(cp, sorted)
	// Stable sort descending by volume; since cp starts ascending by price,
	// a stable sort preserves ascending-price order among equal volumes.
	stableSortDescByVolume(cp)
	if len(cp) > n {
		cp = cp[:n]
	}
	out := make([]ProfileBinSnapshot, len(cp))
	for i, b := range cp {
		out[i] = ProfileBinSnapshot{Price: b.price, Volume: b.volume}
	}
	return out
}
