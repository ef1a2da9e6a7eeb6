package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contextengine/internal/model"
)

func mkTrade(msOffset int64, id int64, price string) model.Trade {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	return model.Trade{
		Timestamp:     base.Add(time.Duration(msOffset) * time.Millisecond),
		Price:         decimal.RequireFromString(price),
		Qty:           decimal.RequireFromString("1"),
		AggressorSide: model.SideBuy,
		TradeID:       model.NumTradeID(id),
	}
}

func TestLoad_AbsentFileIsEmptyNotError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	trades, err := s.Load(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestAppendAndDedup_Idempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	date := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	trades := []model.Trade{mkTrade(0, 1, "100"), mkTrade(1000, 2, "100.1")}

	first, err := s.AppendAndDedup(date, trades)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.AppendAndDedup(date, trades)
	require.NoError(t, err)
	require.Len(t, second, 2)

	third, err := s.AppendAndDedup(date, trades)
	require.NoError(t, err)
	require.Equal(t, second, third)
}

func TestAppendAndDedup_MergesAndSorts(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	date := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, err = s.AppendAndDedup(date, []model.Trade{mkTrade(2000, 3, "100.2")})
	require.NoError(t, err)
	merged, err := s.AppendAndDedup(date, []model.Trade{mkTrade(0, 1, "100"), mkTrade(1000, 2, "100.1")})
	require.NoError(t, err)

	require.Len(t, merged, 3)
	require.True(t, merged[0].TradeID.Equal(model.NumTradeID(1)))
	require.True(t, merged[1].TradeID.Equal(model.NumTradeID(2)))
	require.True(t, merged[2].TradeID.Equal(model.NumTradeID(3)))
}

func TestAppendAndDedup_NoDuplicateTradeIDs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	date := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, err = s.AppendAndDedup(date, []model.Trade{mkTrade(0, 1, "100")})
	require.NoError(t, err)
	merged, err := s.AppendAndDedup(date, []model.Trade{mkTrade(0, 1, "100"), mkTrade(1000, 2, "100.1")})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, tr := range merged {
		id := tr.TradeID.String()
		require.False(t, seen[id], "duplicate trade id %s", id)
		seen[id] = true
	}
}

func TestLastTradeTimestamp(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	date := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, ok, err := s.LastTradeTimestamp(date)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.AppendAndDedup(date, []model.Trade{mkTrade(0, 1, "100"), mkTrade(5000, 2, "100.1")})
	require.NoError(t, err)

	last, ok, err := s.LastTradeTimestamp(date)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5000), last.Sub(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)).Milliseconds())
}

func TestCleanupOlderThan(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	_, err = s.AppendAndDedup(old, []model.Trade{mkTrade(0, 1, "100")})
	require.NoError(t, err)
	_, err = s.AppendAndDedup(recent, []model.Trade{mkTrade(0, 2, "100")})
	require.NoError(t, err)

	removed := s.CleanupOlderThan(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), 7)
	require.Equal(t, 1, removed)

	stillThere, err := s.Load(recent)
	require.NoError(t, err)
	require.Len(t, stillThere, 1)
}
