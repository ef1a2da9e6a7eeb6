package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// The OpeningRangeStart* and OpeningRangeEnd* constants bound the fixed 10-minute opening
// range window in UTC (spec §3 OpeningRange).
const (
	OpeningRangeStartHour = 8
	OpeningRangeStartMin  = 0
	OpeningRangeEndHour   = 8
	OpeningRangeEndMin    = 10
)

// OpeningRange tracks the high/low established in [08:00:00, 08:10:00) UTC.
// High/Low are mutated only while Start <= t < End; frozen thereafter.
type OpeningRange struct {
	Start time.Time
	End   time.Time
	High  decimal.Decimal
	Low   decimal.Decimal
	// Seen is true once at least one trade has landed in the window; until
	// then High/Low are zero values and must not be reported as real levels.
	Seen bool
}

// NewOpeningRange builds the opening range window for the UTC calendar day
// containing day.
func NewOpeningRange(day time.Time) OpeningRange {
	y, m, d := day.UTC().Date()
	start := time.Date(y, m, d, OpeningRangeStartHour, OpeningRangeStartMin, 0, 0, time.UTC)
	end := time.Date(y, m, d, OpeningRangeEndHour, OpeningRangeEndMin, 0, 0, time.UTC)
	return OpeningRange{Start: start, End: end}
}

// InWindow reports whether ts falls inside [Start, End).
func (o OpeningRange) InWindow(ts time.Time) bool {
	return !ts.Before(o.Start) && ts.Before(o.End)
}

// Observe folds a trade price into the opening range if ts is inside the
// window. No-op outside the window — OR values freeze per spec invariant 7.
func (o *OpeningRange) Observe(ts time.Time, price decimal.Decimal) {
	if !o.InWindow(ts) {
		return
	}
	if !o.Seen {
		o.High = price
		o.Low = price
		o.Seen = true
		return
	}
	if price.GreaterThan(o.High) {
		o.High = price
	}
	if price.LessThan(o.Low) {
		o.Low = price
	}
}

// PreviousDayLevels is computed once at day roll (or loaded from cache at
// startup) from the prior day's VolumeProfile/VwapAccumulator and never
// mutated during the following day.
type PreviousDayLevels struct {
	Date        time.Time // UTC calendar date this describes
	PDH         decimal.Decimal
	PDL         decimal.Decimal
	POC         decimal.Decimal
	VAH         decimal.Decimal
	VAL         decimal.Decimal
	VWAP        decimal.Decimal
	Valid       bool // false until the first day roll or cache load populates it
}

// BackfillChunkState is the lifecycle state of one backfill chunk.
type BackfillChunkState int

const (
	ChunkPending BackfillChunkState = iota
	ChunkRunning
	ChunkSucceeded
	ChunkFailed
)

// BackfillChunk is a half-open [Start, End) time window assigned to one
// worker during historical backfill.
type BackfillChunk struct {
	Start time.Time
	End   time.Time
	State BackfillChunkState
}

// BackfillStatusKind enumerates the orchestrator-visible backfill states.
type BackfillStatusKind string

const (
	BackfillNotStarted BackfillStatusKind = "not_started"
	BackfillPending     BackfillStatusKind = "pending"
	BackfillRunning     BackfillStatusKind = "running"
	BackfillComplete    BackfillStatusKind = "complete"
	BackfillSkipped     BackfillStatusKind = "skipped"
	BackfillDisabled    BackfillStatusKind = "disabled"
	BackfillError       BackfillStatusKind = "error"
	BackfillCancelled   BackfillStatusKind = "cancelled"
)

// BackfillStatus reports progress of the background historical backfill.
type BackfillStatus struct {
	State        BackfillStatusKind
	ChunksDone   int
	ChunksTotal  int
	ChunksFailed int
	TradesLoaded int64
	StartedAt    time.Time
	ETASeconds   float64
	RunID        string // correlates one backfill attempt's logs (uuid)
	LastError    string
}

// Terminal reports whether the status is a terminal success-equivalent state
// (spec §7: used to decide /health "ok" vs "degraded").
func (s BackfillStatus) Terminal() bool {
	switch s.State {
	case BackfillComplete, BackfillSkipped, BackfillDisabled:
		return true
	default:
		return false
	}
}
