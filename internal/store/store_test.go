package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSymbolMetadata_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	m := SymbolMetadata{Symbol: "BTCUSDT", TickSize: "0.10", StepSize: "0.001", ResolvedAt: time.Now(), Source: "exchange"}
	require.NoError(t, s.SaveSymbolMetadata(m))

	loaded, ok := s.LoadSymbolMetadata("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "0.10", loaded.TickSize)

	_, ok = s.LoadSymbolMetadata("ETHUSDT")
	require.False(t, ok)
}

func TestSymbolMetadata_Upsert(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSymbolMetadata(SymbolMetadata{Symbol: "BTCUSDT", TickSize: "0.1", ResolvedAt: time.Now()}))
	require.NoError(t, s.SaveSymbolMetadata(SymbolMetadata{Symbol: "BTCUSDT", TickSize: "0.5", ResolvedAt: time.Now()}))
	loaded, ok := s.LoadSymbolMetadata("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "0.5", loaded.TickSize)
}

func TestPreviousDayProfile_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	row := PreviousDayProfileRow{
		Symbol: "BTCUSDT", Date: "2026-07-30",
		PDH: "100.5", PDL: "99.1", POC: "100.0", VAH: "100.3", VAL: "99.7", VWAP: "100.05",
	}
	require.NoError(t, s.SavePreviousDayProfile(row))

	loaded, ok := s.LoadPreviousDayProfile("BTCUSDT", "2026-07-31")
	require.True(t, ok)
	require.Equal(t, "100.5", loaded.PDH)

	_, ok = s.LoadPreviousDayProfile("BTCUSDT", "2026-07-29")
	require.False(t, ok)
}

func TestDaySummary_AppendAndRead(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendDaySummary(DaySummary{Symbol: "BTCUSDT", Date: "2026-07-30", TradesTotal: 10}))
	require.NoError(t, s.AppendDaySummary(DaySummary{Symbol: "BTCUSDT", Date: "2026-07-31", TradesTotal: 20}))

	rows, err := s.RecentDaySummaries("BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(20), rows[0].TradesTotal) // newest first
}
