// Package cache implements the append-only, date-partitioned backfill cache
// (spec §4.C): one CSV file per UTC date, deduplicated by trade ID on every
// write, rewritten atomically via write-to-temp-then-rename.
package cache

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"contextengine/internal/model"
)

// ErrCacheCorrupt wraps a parse failure on a file that exists but could not
// be read — never returned for an absent file (that's just empty).
var ErrCacheCorrupt = errors.New("cache: corrupt cache file")

// Store is a directory-based trade cache, one file per UTC date.
type Store struct {
	dir string

	mu       sync.Mutex // guards the locks map itself
	dateLock map[string]*sync.Mutex

	// loadGroup coalesces concurrent Load calls for the same date — the
	// orchestrator's resume check and a status-endpoint read can race on
	// startup, and there is no reason to parse the same CSV file twice.
	loadGroup singleflight.Group
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, dateLock: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(date string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dateLock[date]
	if !ok {
		l = &sync.Mutex{}
		s.dateLock[date] = l
	}
	return l
}

func (s *Store) pathFor(date string) string {
	return filepath.Join(s.dir, fmt.Sprintf("backfill_%s.csv", date))
}

// dateKey formats a time as the UTC calendar date this store partitions by.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

var csvHeader = []string{"timestamp_ms", "trade_id", "trade_id_is_num", "price", "qty", "side", "is_buyer_maker"}

// Load returns every trade cached for the given UTC date, or an empty slice
// if no file exists for that date yet. Returns ErrCacheCorrupt only when a
// present file fails to parse.
func (s *Store) Load(date time.Time) ([]model.Trade, error) {
	key := dateKey(date)
	v, err, _ := s.loadGroup.Do(key, func() (interface{}, error) {
		return s.loadUncached(key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Trade), nil
}

func (s *Store) loadUncached(key string) ([]model.Trade, error) {
	path := s.pathFor(key)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCacheCorrupt, path, err)
	}
	defer f.Close()

	trades, err := parseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCacheCorrupt, path, err)
	}
	return trades, nil
}

func parseCSV(f *os.File) ([]model.Trade, error) {
	r := csv.NewReader(bufio.NewReader(f))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rows = rows[1:] // drop header

	trades := make([]model.Trade, 0, len(rows))
	for _, row := range rows {
		if len(row) != len(csvHeader) {
			return nil, fmt.Errorf("cache: expected %d columns, got %d", len(csvHeader), len(row))
		}
		tr, err := rowToTrade(row)
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

func rowToTrade(row []string) (model.Trade, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("timestamp_ms: %w", err)
	}
	isNum, err := strconv.ParseBool(row[2])
	if err != nil {
		return model.Trade{}, fmt.Errorf("trade_id_is_num: %w", err)
	}
	var id model.TradeID
	if isNum {
		n, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return model.Trade{}, fmt.Errorf("trade_id: %w", err)
		}
		id = model.NumTradeID(n)
	} else {
		id = model.StrTradeID(row[1])
	}
	price, err := decimal.NewFromString(row[3])
	if err != nil {
		return model.Trade{}, fmt.Errorf("price: %w", err)
	}
	qty, err := decimal.NewFromString(row[4])
	if err != nil {
		return model.Trade{}, fmt.Errorf("qty: %w", err)
	}
	side, err := model.ParseSide(row[5])
	if err != nil {
		return model.Trade{}, err
	}
	isMaker, err := strconv.ParseBool(row[6])
	if err != nil {
		return model.Trade{}, fmt.Errorf("is_buyer_maker: %w", err)
	}
	return model.Trade{
		Timestamp:     time.UnixMilli(ms).UTC(),
		Price:         price,
		Qty:           qty,
		AggressorSide: side,
		IsBuyerMaker:  isMaker,
		TradeID:       id,
		FromBackfill:  true,
	}, nil
}

func tradeToRow(t model.Trade) []string {
	return []string{
		strconv.FormatInt(t.Timestamp.UnixMilli(), 10),
		t.TradeID.String(),
		strconv.FormatBool(t.TradeID.IsNum),
		t.Price.String(),
		t.Qty.String(),
		t.AggressorSide.String(),
		strconv.FormatBool(t.IsBuyerMaker),
	}
}

// AppendAndDedup merges newTrades into the existing file for date,
// deduplicates by TradeID, sorts by (Timestamp, TradeID), and atomically
// rewrites the file. After this call returns successfully, the file's
// trade IDs are guaranteed unique (spec §4.C invariant).
func (s *Store) AppendAndDedup(date time.Time, newTrades []model.Trade) ([]model.Trade, error) {
	key := dateKey(date)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.Load(date)
	if err != nil && !errors.Is(err, ErrCacheCorrupt) {
		return nil, err
	}
	// A corrupt existing file is treated as empty per spec §7 (log upstream,
	// proceed as if the cache held nothing) — the caller logs the error.

	merged := dedupMerge(existing, newTrades)

	if err := s.writeAtomic(key, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func dedupMerge(a, b []model.Trade) []model.Trade {
	byID := make(map[string]model.Trade, len(a)+len(b))
	for _, t := range a {
		byID[t.TradeID.String()] = t
	}
	for _, t := range b {
		byID[t.TradeID.String()] = t
	}
	out := make([]model.Trade, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Sort(model.ByTimeThenID(out))
	return out
}

func (s *Store) writeAtomic(dateStr string, trades []model.Trade) error {
	path := s.pathFor(dateStr)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for _, t := range trades {
		if err := w.Write(tradeToRow(t)); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: atomic rename: %w", err)
	}
	return nil
}

// LastTradeTimestamp returns the max timestamp_ms across the cache file for
// date, used by the historical fetcher to resume from where it left off.
func (s *Store) LastTradeTimestamp(date time.Time) (time.Time, bool, error) {
	trades, err := s.Load(date)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(trades) == 0 {
		return time.Time{}, false, nil
	}
	max := trades[0].Timestamp
	for _, t := range trades[1:] {
		if t.Timestamp.After(max) {
			max = t.Timestamp
		}
	}
	return max, true, nil
}

// CleanupOlderThan best-effort deletes cache files older than the given
// number of days, relative to now. Errors are swallowed per file (a single
// un-removable file should not abort cleanup of the rest).
func (s *Store) CleanupOlderThan(now time.Time, days int) int {
	cutoff := now.UTC().AddDate(0, 0, -days)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var y, m, d int
		if _, err := fmt.Sscanf(e.Name(), "backfill_%d-%d-%d.csv", &y, &m, &d); err != nil {
			continue
		}
		fileDate := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed
}
