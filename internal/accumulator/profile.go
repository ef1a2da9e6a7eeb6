// Package accumulator implements Component F: the single-ingress,
// single-threaded intraday metrics accumulator (VWAP, volume profile, POC,
// value area, opening range, previous-day carry, day roll). Grounded on
// spec §4.F; no teacher file owns an analogous concept, so the shape below
// follows the spec's explicit algorithm description directly, written in
// the teacher's plain-struct-plus-methods, mutex-guarded style (mirroring
// internal/engine's single-writer state pattern).
package accumulator

import (
	"sort"

	"github.com/shopspring/decimal"
)

// profileBin is one occupied price level in a VolumeProfile.
type profileBin struct {
	price  decimal.Decimal
	volume decimal.Decimal
}

// volumeProfile maps a tick-quantized price to accumulated base volume.
// Keyed by the canonical decimal string so that two occurrences of the same
// bin always collide, regardless of insertion order (spec §3 VolumeProfile).
type volumeProfile struct {
	bins map[string]*profileBin
}

func newVolumeProfile() *volumeProfile {
	return &volumeProfile{bins: make(map[string]*profileBin)}
}

func (vp *volumeProfile) add(price, qty decimal.Decimal) {
	key := price.String()
	if b, ok := vp.bins[key]; ok {
		b.volume = b.volume.Add(qty)
		return
	}
	vp.bins[key] = &profileBin{price: price, volume: qty}
}

func (vp *volumeProfile) total() decimal.Decimal {
	sum := decimal.Zero
	for _, b := range vp.bins {
		sum = sum.Add(b.volume)
	}
	return sum
}

// sorted returns occupied bins ascending by price.
func (vp *volumeProfile) sorted() []profileBin {
	out := make([]profileBin, 0, len(vp.bins))
	for _, b := range vp.bins {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].price.LessThan(out[j].price) })
	return out
}

// poc returns the point of control: the bin with the highest volume, lower
// price wins ties (spec §4.F, invariant 3). Iterating ascending by price and
// only overwriting on strict improvement keeps the first (lowest) price on
// a tie.
func poc(sorted []profileBin) (profileBin, bool) {
	if len(sorted) == 0 {
		return profileBin{}, false
	}
	best := sorted[0]
	for _, b := range sorted[1:] {
		if b.volume.GreaterThan(best.volume) {
			best = b
		}
	}
	return best, true
}

// valueArea grows a contiguous range of occupied bins outward from the POC
// until cumulative volume covers at least 70% of total, expanding toward
// whichever open neighbor has more volume and preferring the upper
// neighbor on a tie (spec §4.F, §9 Open Questions).
func valueArea(sorted []profileBin, pocPrice decimal.Decimal, total decimal.Decimal) (vah, val decimal.Decimal, ok bool) {
	if len(sorted) == 0 || total.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, false
	}
	pocIdx := -1
	for i, b := range sorted {
		if b.price.Equal(pocPrice) {
			pocIdx = i
			break
		}
	}
	if pocIdx < 0 {
		return decimal.Zero, decimal.Zero, false
	}

	lo, hi := pocIdx, pocIdx
	cumulative := sorted[pocIdx].volume
	threshold := total.Mul(decimal.New(7, -1))

	for cumulative.LessThan(threshold) {
		hasUp := hi+1 < len(sorted)
		hasDown := lo-1 >= 0
		if !hasUp && !hasDown {
			break
		}

		expandUp := false
		switch {
		case hasUp && !hasDown:
			expandUp = true
		case hasDown && !hasUp:
			expandUp = false
		default:
			upVol := sorted[hi+1].volume
			downVol := sorted[lo-1].volume
			expandUp = upVol.GreaterThanOrEqual(downVol) // prefer upper on tie
		}

		if expandUp {
			hi++
			cumulative = cumulative.Add(sorted[hi].volume)
		} else {
			lo--
			cumulative = cumulative.Add(sorted[lo].volume)
		}
	}

	return sorted[hi].price, sorted[lo].price, true
}
