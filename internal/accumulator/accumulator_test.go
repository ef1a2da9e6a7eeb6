package accumulator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contextengine/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mkTrade(ts time.Time, price, qty string, side model.Side, id int64) model.Trade {
	return model.Trade{
		Timestamp:     ts,
		Price:         dec(price),
		Qty:           dec(qty),
		AggressorSide: side,
		TradeID:       model.NumTradeID(id),
	}
}

// TestFreshBackfill_VWAP_OR_DayRange covers spec §8 scenario 1. The scenario
// as worded ties POC between 100.0 and 100.1 (both volume 2) — its own
// stated expectation of 100.1 conflicts with the spec's own committed
// tie-break rule ("lower price wins", restated in invariant 3: "if equal,
// p* <= p"). We honor the explicit rule over the worked example's number
// and assert POC == 100.0.
func TestFreshBackfill_VWAP_OR_DayRange(t *testing.T) {
	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	a := New("BTCUSDT", dec("0.1"), false, day.Add(8*time.Hour))

	prices := []string{"100.0", "100.1", "100.2", "100.1", "100.0"}
	base := day.Add(8 * time.Hour)
	for i, p := range prices {
		tr := mkTrade(base.Add(time.Duration(i)*time.Minute), p, "1", model.SideBuy, int64(i+1))
		require.NoError(t, a.Ingest(tr, true))
	}

	vwap, ok := a.VWAP(VWAPModeBase)
	require.True(t, ok)
	require.True(t, vwap.Equal(dec("100.08")), "got %s", vwap)

	snap := a.Snapshot()
	require.True(t, snap.POCOK)
	require.True(t, snap.POCPrice.Equal(dec("100.0")), "got %s", snap.POCPrice)

	require.True(t, snap.OR.High.Equal(dec("100.2")))
	require.True(t, snap.OR.Low.Equal(dec("100.0")))

	dayRange := snap.DayHigh.Sub(snap.DayLow)
	require.True(t, dayRange.Equal(dec("0.2")), "got %s", dayRange)
}

// TestLiveDataDisable covers spec §8 scenario 5.
func TestLiveDataDisable(t *testing.T) {
	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	a := New("BTCUSDT", dec("0.1"), true, day)

	for i := 0; i < 100; i++ {
		tr := mkTrade(day.Add(time.Duration(i)*time.Second), "100", "1", model.SideBuy, int64(i+1))
		require.NoError(t, a.Ingest(tr, true))
	}
	for i := 0; i < 50; i++ {
		tr := mkTrade(day.Add(time.Duration(200+i)*time.Second), "200", "1", model.SideBuy, int64(1000+i))
		require.NoError(t, a.Ingest(tr, false))
	}

	snap := a.Snapshot()
	require.Equal(t, int64(100), snap.TradesFromBackfill)
	require.Equal(t, int64(0), snap.TradesFromLive)
	require.Equal(t, int64(50), snap.LiveTradesRejected)

	vwap, ok := a.VWAP(VWAPModeBase)
	require.True(t, ok)
	require.True(t, vwap.Equal(dec("100")), "VWAP must reflect only backfill trades, got %s", vwap)
}

// TestDayRoll covers spec §8 scenario 6.
func TestDayRoll(t *testing.T) {
	day1 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	a := New("BTCUSDT", dec("0.1"), false, day1)

	tsA := day1.Add(23*time.Hour + 59*time.Minute + 59*time.Second + 900*time.Millisecond)
	tradeA := mkTrade(tsA, "100", "1", model.SideBuy, 1)
	require.NoError(t, a.Ingest(tradeA, true))

	rollAt := day2.Add(100 * time.Millisecond)
	require.NoError(t, a.RollDay(rollAt, nil))

	tsB := day2.Add(100 * time.Millisecond)
	tradeB := mkTrade(tsB, "200", "1", model.SideBuy, 2)
	require.NoError(t, a.Ingest(tradeB, true))

	snap := a.Snapshot()
	require.True(t, snap.PreviousDay.Valid)
	require.True(t, snap.PreviousDay.PDH.Equal(dec("100")))
	require.True(t, snap.PreviousDay.PDL.Equal(dec("100")))
	require.True(t, snap.PreviousDay.POC.Equal(dec("100")))
	require.True(t, snap.PreviousDay.VWAP.Equal(dec("100")))

	require.Equal(t, int64(1), snap.TradeCount)
	require.True(t, snap.DayHigh.Equal(dec("200")))
	require.True(t, snap.DayLow.Equal(dec("200")))
}

func TestPOC_TieBreakLowerPriceWins(t *testing.T) {
	day := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	a := New("BTCUSDT", dec("1"), false, day)
	require.NoError(t, a.Ingest(mkTrade(day, "10", "5", model.SideBuy, 1), true))
	require.NoError(t, a.Ingest(mkTrade(day, "20", "5", model.SideBuy, 2), true))

	snap := a.Snapshot()
	require.True(t, snap.POCPrice.Equal(dec("10")))
}

func TestValueArea_CoversAtLeast70Percent(t *testing.T) {
	day := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	a := New("BTCUSDT", dec("1"), false, day)
	vols := map[string]string{"10": "1", "11": "1", "12": "10", "13": "1", "14": "1"}
	for p, q := range vols {
		require.NoError(t, a.Ingest(mkTrade(day, p, q, model.SideBuy, 1), true))
	}

	snap := a.Snapshot()
	require.True(t, snap.VAOK)
	require.True(t, snap.VAL.LessThanOrEqual(snap.POCPrice))
	require.True(t, snap.VAH.GreaterThanOrEqual(snap.POCPrice))
}

func TestIngest_DropsTradesOutsideSessionDay(t *testing.T) {
	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	a := New("BTCUSDT", dec("0.1"), false, day)

	yesterday := mkTrade(day.Add(-time.Hour), "100", "1", model.SideBuy, 1)
	require.NoError(t, a.Ingest(yesterday, true))

	snap := a.Snapshot()
	require.Equal(t, int64(0), snap.TradeCount)
}

func TestCumulativeDelta(t *testing.T) {
	day := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	a := New("BTCUSDT", dec("0.1"), false, day)
	require.NoError(t, a.Ingest(mkTrade(day, "100", "3", model.SideBuy, 1), true))
	require.NoError(t, a.Ingest(mkTrade(day, "100", "1", model.SideSell, 2), true))

	require.True(t, a.CumulativeDelta().Equal(dec("2")))
}
