// Package quantize snaps a price to a tick-aligned bin using arbitrary
// precision decimal arithmetic, never binary floating point, so the result
// reconciles bit-for-bit with reference chart tools (spec §4.A).
package quantize

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is returned when a tick size is non-positive or smaller
// than the smallest tick this system will resolve to (1e-12).
var ErrInvalidTick = errors.New("quantize: invalid tick size")

// minTick is the smallest tick size accepted; anything below this is almost
// certainly a unit-conversion bug upstream rather than a real instrument.
var minTick = decimal.New(1, -12)

// Quantize floors price to the nearest multiple of tick at or below it:
// bin = floor(price / tick) * tick. Uses decimal division-with-floor so
// 101.505 with tick 0.1 yields exactly 101.5, never 101.4 from float drift.
func Quantize(price, tick decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateTick(tick); err != nil {
		return decimal.Zero, err
	}
	if price.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("quantize: negative price %s", price)
	}
	ratio := price.DivRound(tick, int32(tick.Exponent())*-1+20)
	floored := ratio.Floor()
	bin := floored.Mul(tick)
	// Round to the tick's own precision to eliminate trailing artifacts
	// from the intermediate high-precision division.
	return bin.Truncate(decimalPlaces(tick)), nil
}

// ValidateTick reports ErrInvalidTick if tick is non-positive or smaller
// than the minimum resolvable tick.
func ValidateTick(tick decimal.Decimal) error {
	if tick.Sign() <= 0 {
		return fmt.Errorf("%w: %s is not positive", ErrInvalidTick, tick)
	}
	if tick.LessThan(minTick) {
		return fmt.Errorf("%w: %s is smaller than minimum %s", ErrInvalidTick, tick, minTick)
	}
	return nil
}

// decimalPlaces returns the number of fractional digits tick needs to be
// represented exactly (e.g. 0.1 -> 1, 0.001 -> 3, 1 -> 0).
func decimalPlaces(tick decimal.Decimal) int32 {
	exp := tick.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}
