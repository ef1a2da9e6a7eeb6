// Package store is a small SQLite-backed persistence layer for state that
// is not the raw trade cache (that's internal/cache): the resolved exchange
// metadata, the previous-day profile sidecar, and a rolling operational
// telemetry log of day summaries — grounded on the teacher's internal/db
// versioned-migration pattern, repurposed to this domain's tables.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"contextengine/internal/logger"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection used for engine metadata, not trade data.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	logger.Success("Store", fmt.Sprintf("opened %s", path))
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS symbol_metadata (
				symbol      TEXT PRIMARY KEY,
				tick_size   TEXT NOT NULL,
				step_size   TEXT NOT NULL DEFAULT '',
				min_qty     TEXT NOT NULL DEFAULT '',
				resolved_at TEXT NOT NULL,
				source      TEXT NOT NULL DEFAULT 'exchange'
			);

			CREATE TABLE IF NOT EXISTS previous_day_profile (
				symbol TEXT NOT NULL,
				date   TEXT NOT NULL,
				pdh    TEXT NOT NULL,
				pdl    TEXT NOT NULL,
				poc    TEXT NOT NULL,
				vah    TEXT NOT NULL,
				val    TEXT NOT NULL,
				vwap   TEXT NOT NULL,
				PRIMARY KEY (symbol, date)
			);

			CREATE TABLE IF NOT EXISTS day_summary (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol           TEXT NOT NULL,
				date             TEXT NOT NULL,
				trades_total     INTEGER NOT NULL,
				trades_backfill  INTEGER NOT NULL,
				trades_live      INTEGER NOT NULL,
				live_rejected    INTEGER NOT NULL,
				vwap             TEXT NOT NULL,
				poc              TEXT NOT NULL,
				day_high         TEXT NOT NULL,
				day_low          TEXT NOT NULL,
				logged_at        TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_day_summary_symbol_date ON day_summary(symbol, date);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("Store", "applied migration v1")
	}
	return nil
}

// SymbolMetadata is the resolved tick/step size for one symbol.
type SymbolMetadata struct {
	Symbol     string
	TickSize   string
	StepSize   string
	MinQty     string
	Source     string
	ResolvedAt time.Time
}

// SaveSymbolMetadata upserts the resolved metadata for symbol.
func (s *Store) SaveSymbolMetadata(m SymbolMetadata) error {
	_, err := s.db.Exec(`
		INSERT INTO symbol_metadata (symbol, tick_size, step_size, min_qty, resolved_at, source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			tick_size=excluded.tick_size, step_size=excluded.step_size,
			min_qty=excluded.min_qty, resolved_at=excluded.resolved_at, source=excluded.source
	`, m.Symbol, m.TickSize, m.StepSize, m.MinQty, m.ResolvedAt.UTC().Format(time.RFC3339), m.Source)
	return err
}

// LoadSymbolMetadata returns the last resolved metadata for symbol, if any.
func (s *Store) LoadSymbolMetadata(symbol string) (SymbolMetadata, bool) {
	var m SymbolMetadata
	var resolvedAt string
	row := s.db.QueryRow(`SELECT symbol, tick_size, step_size, min_qty, resolved_at, source
		FROM symbol_metadata WHERE symbol = ?`, symbol)
	if err := row.Scan(&m.Symbol, &m.TickSize, &m.StepSize, &m.MinQty, &resolvedAt, &m.Source); err != nil {
		return SymbolMetadata{}, false
	}
	m.ResolvedAt, _ = time.Parse(time.RFC3339, resolvedAt)
	return m, true
}

// PreviousDayProfileRow mirrors model.PreviousDayLevels for persistence.
type PreviousDayProfileRow struct {
	Symbol string
	Date   string // YYYY-MM-DD
	PDH    string
	PDL    string
	POC    string
	VAH    string
	VAL    string
	VWAP   string
}

// SavePreviousDayProfile upserts the previous-day levels sidecar for symbol/date.
func (s *Store) SavePreviousDayProfile(r PreviousDayProfileRow) error {
	_, err := s.db.Exec(`
		INSERT INTO previous_day_profile (symbol, date, pdh, pdl, poc, vah, val, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			pdh=excluded.pdh, pdl=excluded.pdl, poc=excluded.poc,
			vah=excluded.vah, val=excluded.val, vwap=excluded.vwap
	`, r.Symbol, r.Date, r.PDH, r.PDL, r.POC, r.VAH, r.VAL, r.VWAP)
	return err
}

// SaveRolledProfile adapts decimal-typed day-roll output from the
// accumulator into a PreviousDayProfileRow — satisfies
// accumulator.ProfilePersister without that package depending on storage
// row types directly.
func (s *Store) SaveRolledProfile(symbol, date string, pdh, pdl, poc, vah, val, vwap decimal.Decimal) error {
	return s.SavePreviousDayProfile(PreviousDayProfileRow{
		Symbol: symbol, Date: date,
		PDH: pdh.String(), PDL: pdl.String(), POC: poc.String(),
		VAH: vah.String(), VAL: val.String(), VWAP: vwap.String(),
	})
}

// LoadPreviousDayProfile loads the most recent previous-day profile for symbol
// dated on or before date, used on startup to seed PreviousDayLevels.
func (s *Store) LoadPreviousDayProfile(symbol, date string) (PreviousDayProfileRow, bool) {
	var r PreviousDayProfileRow
	row := s.db.QueryRow(`
		SELECT symbol, date, pdh, pdl, poc, vah, val, vwap FROM previous_day_profile
		WHERE symbol = ? AND date <= ? ORDER BY date DESC LIMIT 1
	`, symbol, date)
	if err := row.Scan(&r.Symbol, &r.Date, &r.PDH, &r.PDL, &r.POC, &r.VAH, &r.VAL, &r.VWAP); err != nil {
		return PreviousDayProfileRow{}, false
	}
	return r, true
}

// DaySummary is one row appended at day roll for operational visibility.
type DaySummary struct {
	Symbol         string
	Date           string
	TradesTotal    int64
	TradesBackfill int64
	TradesLive     int64
	LiveRejected   int64
	VWAP           string
	POC            string
	DayHigh        string
	DayLow         string
}

// AppendDaySummary records one day's closing metrics.
func (s *Store) AppendDaySummary(d DaySummary) error {
	_, err := s.db.Exec(`
		INSERT INTO day_summary
			(symbol, date, trades_total, trades_backfill, trades_live, live_rejected, vwap, poc, day_high, day_low, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.Symbol, d.Date, d.TradesTotal, d.TradesBackfill, d.TradesLive, d.LiveRejected,
		d.VWAP, d.POC, d.DayHigh, d.DayLow, time.Now().UTC().Format(time.RFC3339))
	return err
}

// RecentDaySummaries returns the last n day-summary rows for symbol, newest first.
func (s *Store) RecentDaySummaries(symbol string, n int) ([]DaySummary, error) {
	rows, err := s.db.Query(`
		SELECT symbol, date, trades_total, trades_backfill, trades_live, live_rejected, vwap, poc, day_high, day_low
		FROM day_summary WHERE symbol = ? ORDER BY id DESC LIMIT ?
	`, symbol, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DaySummary
	for rows.Next() {
		var d DaySummary
		if err := rows.Scan(&d.Symbol, &d.Date, &d.TradesTotal, &d.TradesBackfill, &d.TradesLive,
			&d.LiveRejected, &d.VWAP, &d.POC, &d.DayHigh, &d.DayLow); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
