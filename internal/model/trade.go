// Package model holds the shared data types ingested and produced by the
// context engine: trades, tagged trade identifiers, the opening range,
// previous-day levels, and backfill chunk/status types.
package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// ParseSide parses "buy"/"sell" in lower, title or upper case (e.g. "buy",
// "Buy", "BUY"); other casings are unknown input. Unknown input is treated
// as SideSell with an error, never silently coerced to SideBuy.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "Buy", "BUY":
		return SideBuy, nil
	case "sell", "Sell", "SELL":
		return SideSell, nil
	default:
		return SideSell, fmt.Errorf("model: unknown side %q", s)
	}
}

// TradeID is a tagged union over the two ID shapes exchanges use. Never
// coerce to a numeric hash for dedup — lossy for string IDs (see spec §9
// Open Questions).
type TradeID struct {
	Num   int64
	Str   string
	IsNum bool
}

// NumTradeID builds a numeric trade ID.
func NumTradeID(n int64) TradeID { return TradeID{Num: n, IsNum: true} }

// StrTradeID builds a string trade ID.
func StrTradeID(s string) TradeID { return TradeID{Str: s, IsNum: false} }

// String renders the ID in a canonical form usable as a map key.
func (t TradeID) String() string {
	if t.IsNum {
		return strconv.FormatInt(t.Num, 10)
	}
	return t.Str
}

// Equal reports whether two trade IDs denote the same trade.
func (t TradeID) Equal(o TradeID) bool {
	if t.IsNum != o.IsNum {
		return t.String() == o.String()
	}
	if t.IsNum {
		return t.Num == o.Num
	}
	return t.Str == o.Str
}

// Less orders trade IDs for sorting within one source's stream. Numeric IDs
// compare numerically; string IDs compare lexically; a mixed comparison
// falls back to string form (only reachable across sources, never within a
// single monotonic stream, which is the only place order is load-bearing).
func (t TradeID) Less(o TradeID) bool {
	if t.IsNum && o.IsNum {
		return t.Num < o.Num
	}
	return t.String() < o.String()
}

// Trade is an immutable ingested trade record.
type Trade struct {
	Timestamp      time.Time // UTC, ms resolution
	Price          decimal.Decimal
	Qty            decimal.Decimal
	AggressorSide  Side
	IsBuyerMaker   bool
	TradeID        TradeID
	FromBackfill   bool // origin tag, set by the ingress boundary, not the source
}

// Valid checks the per-trade invariants from spec §3: qty > 0, price > 0.
func (t Trade) Valid() error {
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("model: trade %s has non-positive price %s", t.TradeID, t.Price)
	}
	if t.Qty.Sign() <= 0 {
		return fmt.Errorf("model: trade %s has non-positive qty %s", t.TradeID, t.Qty)
	}
	return nil
}

// ByTimeThenID sorts trades by (timestamp, trade_id) as required by §4.C/§4.D.
type ByTimeThenID []Trade

func (b ByTimeThenID) Len() int      { return len(b) }
func (b ByTimeThenID) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b ByTimeThenID) Less(i, j int) bool {
	if !b[i].Timestamp.Equal(b[j].Timestamp) {
		return b[i].Timestamp.Before(b[j].Timestamp)
	}
	return b[i].TradeID.Less(b[j].TradeID)
}
