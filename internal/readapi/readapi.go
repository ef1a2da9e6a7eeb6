// Package readapi implements Component H: pure projection functions over an
// accumulator.Snapshot, one per diagnostic/status HTTP route in spec §6. No
// function here mutates anything or talks to the network — each is a plain
// struct-to-struct reshape, grounded on the teacher's internal/api handlers
// that build response DTOs from already-loaded state rather than querying
// inline.
package readapi

import (
	"time"

	"github.com/shopspring/decimal"

	"contextengine/internal/accumulator"
	"contextengine/internal/model"
)

// VWAPMode mirrors accumulator.VWAPMode at the API boundary so callers of
// this package never need to import accumulator directly.
type VWAPMode = accumulator.VWAPMode

const (
	VWAPModeBase  = accumulator.VWAPModeBase
	VWAPModeQuote = accumulator.VWAPModeQuote
)

// OpeningRangeView is the context() projection of model.OpeningRange.
type OpeningRangeView struct {
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	StartTs time.Time       `json:"start_ts"`
	EndTs   time.Time       `json:"end_ts"`
	Seen    bool            `json:"seen"`
}

// ContextView is the /context response body (spec §4.H context()).
type ContextView struct {
	Symbol          string           `json:"symbol"`
	SessionDate     string           `json:"session_date"`
	VWAPMode        string           `json:"vwap_mode"`
	VWAP            decimal.Decimal  `json:"vwap"`
	VWAPOK          bool             `json:"vwap_ok"`
	POC             decimal.Decimal  `json:"poc"`
	POCOK           bool             `json:"poc_ok"`
	DayHigh         decimal.Decimal  `json:"day_high"`
	DayLow          decimal.Decimal  `json:"day_low"`
	RangeToday      decimal.Decimal  `json:"range_today"`
	CumulativeDelta decimal.Decimal  `json:"cumulative_delta"`
	OR              OpeningRangeView `json:"opening_range"`

	PDH        decimal.Decimal `json:"pdh"`
	PDL        decimal.Decimal `json:"pdl"`
	POCPrev    decimal.Decimal `json:"poc_prev"`
	VAHPrev    decimal.Decimal `json:"vah_prev"`
	VALPrev    decimal.Decimal `json:"val_prev"`
	VWAPPrev   decimal.Decimal `json:"vwap_prev"`
	PrevValid  bool            `json:"previous_day_valid"`

	MetricsPrecision string `json:"metrics_precision"`
}

// Context builds the /context snapshot. mode selects base or quote VWAP;
// precision is supplied by the orchestrator, which owns backfill state.
func Context(snap accumulator.Snapshot, mode VWAPMode, precision string) ContextView {
	v := ContextView{
		Symbol:          snap.Symbol,
		SessionDate:     snap.SessionDate.Format("2006-01-02"),
		VWAPMode:        string(mode),
		DayHigh:         snap.DayHigh,
		DayLow:          snap.DayLow,
		RangeToday:      snap.DayHigh.Sub(snap.DayLow),
		CumulativeDelta: snap.CumulativeDelta,
		OR: OpeningRangeView{
			High:    snap.OR.High,
			Low:     snap.OR.Low,
			StartTs: snap.OR.Start,
			EndTs:   snap.OR.End,
			Seen:    snap.OR.Seen,
		},
		PDH:              snap.PreviousDay.PDH,
		PDL:              snap.PreviousDay.PDL,
		POCPrev:          snap.PreviousDay.POC,
		VAHPrev:          snap.PreviousDay.VAH,
		VALPrev:          snap.PreviousDay.VAL,
		VWAPPrev:         snap.PreviousDay.VWAP,
		PrevValid:        snap.PreviousDay.Valid,
		MetricsPrecision: precision,
	}
	if mode == VWAPModeQuote {
		v.VWAP, v.VWAPOK = snap.VWAPQuote, snap.VWAPQuoteOK
	} else {
		v.VWAP, v.VWAPOK = snap.VWAPBase, snap.VWAPBaseOK
	}
	v.POC, v.POCOK = snap.POCPrice, snap.POCOK
	return v
}

// DebugVWAPView is the /debug/vwap response body.
type DebugVWAPView struct {
	SumPriceQty  decimal.Decimal `json:"sum_price_qty"`
	SumQty       decimal.Decimal `json:"sum_qty"`
	TradeCount   int64           `json:"trade_count"`
	FirstTradeAt time.Time       `json:"first_trade_at"`
	LastTradeAt  time.Time       `json:"last_trade_at"`
}

// DebugVWAP builds the /debug/vwap snapshot.
func DebugVWAP(snap accumulator.Snapshot) DebugVWAPView {
	return DebugVWAPView{
		SumPriceQty:  snap.SumPriceQty,
		SumQty:       snap.SumQty,
		TradeCount:   snap.TradeCount,
		FirstTradeAt: snap.FirstTradeAt,
		LastTradeAt:  snap.LastTradeAt,
	}
}

// ProfileBinView is one row of the /debug/poc top-bins listing.
type ProfileBinView struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// DebugPOCView is the /debug/poc response body.
type DebugPOCView struct {
	TickSize decimal.Decimal  `json:"tick_size"`
	POC      decimal.Decimal  `json:"poc"`
	POCOK    bool             `json:"poc_ok"`
	TopBins  []ProfileBinView `json:"top_bins"`
}

// DebugPOC builds the /debug/poc snapshot: tick size, current POC, and the
// top-10 bins descending by volume, ties broken by ascending price (already
// guaranteed by accumulator.Snapshot.TopBins).
func DebugPOC(snap accumulator.Snapshot) DebugPOCView {
	bins := make([]ProfileBinView, len(snap.TopBins))
	for i, b := range snap.TopBins {
		bins[i] = ProfileBinView{Price: b.Price, Volume: b.Volume}
	}
	return DebugPOCView{
		TickSize: snap.TickSize,
		POC:      snap.POCPrice,
		POCOK:    snap.POCOK,
		TopBins:  bins,
	}
}

// DebugTradesView is the /debug/trades response body.
type DebugTradesView struct {
	TradeCount         int64 `json:"trade_count"`
	TradesFromBackfill int64 `json:"trades_from_backfill"`
	TradesFromLive     int64 `json:"trades_from_live"`
	LiveTradesRejected int64 `json:"live_trades_rejected"`
	DisableLiveData    bool  `json:"disable_live_data"`
}

// DebugTrades builds the /debug/trades snapshot: origin counts plus the
// configuration flags that explain them.
func DebugTrades(snap accumulator.Snapshot) DebugTradesView {
	return DebugTradesView{
		TradeCount:         snap.TradeCount,
		TradesFromBackfill: snap.TradesFromBackfill,
		TradesFromLive:     snap.TradesFromLive,
		LiveTradesRejected: snap.LiveTradesRejected,
		DisableLiveData:    snap.DisableLiveData,
	}
}

// BackfillStatusView is the /backfill/status response body, mirroring
// model.BackfillStatus at the API boundary.
type BackfillStatusView struct {
	State        string  `json:"state"`
	ChunksDone   int     `json:"chunks_done"`
	ChunksTotal  int     `json:"chunks_total"`
	ChunksFailed int     `json:"chunks_failed"`
	TradesLoaded int64   `json:"trades_loaded"`
	ETASeconds   float64 `json:"eta_seconds"`
	RunID        string  `json:"run_id"`
	LastError    string  `json:"last_error,omitempty"`
}

// BackfillStatus builds the /backfill/status snapshot.
func BackfillStatus(s model.BackfillStatus) BackfillStatusView {
	return BackfillStatusView{
		State:        string(s.State),
		ChunksDone:   s.ChunksDone,
		ChunksTotal:  s.ChunksTotal,
		ChunksFailed: s.ChunksFailed,
		TradesLoaded: s.TradesLoaded,
		ETASeconds:   s.ETASeconds,
		RunID:        s.RunID,
		LastError:    s.LastError,
	}
}
