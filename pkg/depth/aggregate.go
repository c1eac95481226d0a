// Package depth reduces order-book ladders into the figures the strategy and
// the level-lines report consume: price-bucketed zones, rounded buckets and
// notional power near the current price.
package depth

import (
	"sort"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/shopspring/decimal"
)

// PriceScale is the scale of reported zone prices and notionals.
const PriceScale = 2

// bucketScale bounds the precision of bucket interval arithmetic.
const bucketScale = 16

type ZoneKind string

const (
	ZoneSupport    ZoneKind = "support"
	ZoneResistance ZoneKind = "resistance"
)

type Zone struct {
	Kind     ZoneKind        `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"total_volume"`
	Notional decimal.Decimal `json:"notional"`
}

// Zones splits [min, max] of the ladder prices into binCount equal-width
// buckets and returns, for every non-empty bucket in ascending price order,
// its volume-weighted average price, total size and total notional value.
func Zones(levels []models.Level, multiplier decimal.Decimal, binCount int, kind ZoneKind) []Zone {
	if len(levels) == 0 {
		return []Zone{}
	}
	if binCount < 1 {
		binCount = 1
	}

	lowest, highest := levels[0].Price, levels[0].Price
	for _, l := range levels[1:] {
		if l.Price.LessThan(lowest) {
			lowest = l.Price
		}
		if l.Price.GreaterThan(highest) {
			highest = l.Price
		}
	}

	if lowest.Equal(highest) {
		return []Zone{zone(kind, levels, multiplier)}
	}

	interval := highest.Sub(lowest).DivRound(decimal.NewFromInt(int64(binCount)), bucketScale)
	if interval.IsZero() {
		// range narrower than bucketScale can resolve
		return []Zone{zone(kind, levels, multiplier)}
	}
	bins := make([][]models.Level, binCount)
	for _, l := range levels {
		idx := int(l.Price.Sub(lowest).DivRound(interval, bucketScale).IntPart())
		if idx < 0 {
			idx = 0
		}
		if idx > binCount-1 {
			idx = binCount - 1
		}
		bins[idx] = append(bins[idx], l)
	}

	zones := make([]Zone, 0, binCount)
	for _, bucket := range bins {
		if len(bucket) == 0 {
			continue
		}
		zones = append(zones, zone(kind, bucket, multiplier))
	}
	return zones
}

func zone(kind ZoneKind, bucket []models.Level, multiplier decimal.Decimal) Zone {
	volume := decimal.Zero
	weighted := decimal.Zero
	for _, l := range bucket {
		volume = volume.Add(l.Size)
		weighted = weighted.Add(l.Price.Mul(l.Size))
	}
	price := bucket[0].Price
	if !volume.IsZero() {
		price = weighted.DivRound(volume, PriceScale)
	}
	return Zone{
		Kind:     kind,
		Price:    price,
		Volume:   volume,
		Notional: Notional(bucket, multiplier).Round(PriceScale),
	}
}

// LevelLines returns support zones from bids followed by resistance zones
// from asks.
func LevelLines(snap orderbook.Snapshot, multiplier decimal.Decimal, binCount int) []Zone {
	support := Zones(snap.Bids, multiplier, binCount, ZoneSupport)
	resistance := Zones(snap.Asks, multiplier, binCount, ZoneResistance)
	return append(support, resistance...)
}

// Notional sums price * size * multiplier.
func Notional(levels []models.Level, multiplier decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Price.Mul(l.Size).Mul(multiplier))
	}
	return total
}

// PowerWithin sums the notional of levels priced within span of price.
func PowerWithin(levels []models.Level, price, span, multiplier decimal.Decimal) decimal.Decimal {
	lo, hi := price.Sub(span), price.Add(span)
	total := decimal.Zero
	for _, l := range levels {
		if l.Price.LessThan(lo) || l.Price.GreaterThan(hi) {
			continue
		}
		total = total.Add(l.Price.Mul(l.Size).Mul(multiplier))
	}
	return total
}

type Imbalance struct {
	BuyPower  decimal.Decimal
	SellPower decimal.Decimal
}

// LongSignal reports buy power exceeding sell power by more than gap times.
func (i Imbalance) LongSignal(gap decimal.Decimal) bool {
	return i.BuyPower.GreaterThan(i.SellPower.Mul(gap))
}

func (i Imbalance) ShortSignal(gap decimal.Decimal) bool {
	return i.SellPower.GreaterThan(i.BuyPower.Mul(gap))
}

// Measure computes buy power from bids and sell power from asks inside the
// window around the snapshot price.
func Measure(snap orderbook.Snapshot, window models.ImbalanceWindow, multiplier decimal.Decimal) Imbalance {
	span := window.Span(snap.Price)
	return Imbalance{
		BuyPower:  PowerWithin(snap.Bids, snap.Price, span, multiplier),
		SellPower: PowerWithin(snap.Asks, snap.Price, span, multiplier),
	}
}

type Bucket struct {
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
}

// RoundBuckets rounds every price half-up to a multiple of 10^precision and
// sums notional per rounded price.
func RoundBuckets(levels []models.Level, precision int32, multiplier decimal.Decimal, ascending bool) []Bucket {
	sums := make(map[string]Bucket)
	for _, l := range levels {
		rounded := l.Price.Shift(-precision).Round(0).Shift(precision)
		key := rounded.String()
		b, ok := sums[key]
		if !ok {
			b = Bucket{Price: rounded, Notional: decimal.Zero}
		}
		b.Notional = b.Notional.Add(l.Price.Mul(l.Size).Mul(multiplier))
		sums[key] = b
	}

	out := make([]Bucket, 0, len(sums))
	for _, b := range sums {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out
}
