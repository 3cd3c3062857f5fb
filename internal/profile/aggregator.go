// Package profile turns a list of ticks into a volume profile.
package profile

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trade-footprint/pkg/models"
)

// DefaultValueAreaFraction is the share of total volume the value area must cover
const DefaultValueAreaFraction = 0.70

// Reasons attached to profiles without levels
const (
	ReasonNoTicks      = "no ticks in window"
	ReasonNoValidTicks = "no ticks with positive price and quantity"
	ReasonBadTickSize  = "tick size must be positive and finite"
)

// maxIndex bounds bucket indexes to what fits in an int64
var maxIndex = decimal.NewFromInt(math.MaxInt64)

type bucket struct {
	index  int64
	volume decimal.Decimal
}

// Aggregator computes volume profiles. The zero value is not usable; use
// NewAggregator.
type Aggregator struct {
	fraction decimal.Decimal
	now      func() time.Time
}

// NewAggregator creates an aggregator whose value area covers fraction of
// total volume. Values outside (0,1] fall back to the default.
func NewAggregator(fraction float64) *Aggregator {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultValueAreaFraction
	}
	return &Aggregator{
		fraction: decimal.NewFromFloat(fraction),
		now:      time.Now,
	}
}

// Compute builds the profile of ticks bucketed at tickSize. It never fails:
// an empty or unusable input yields a profile with nil levels and a reason.
func (a *Aggregator) Compute(ticks []models.Tick, tickSize float64, source string) models.VolumeProfile {
	p := models.VolumeProfile{
		DataSource:   source,
		CalculatedAt: a.now().UTC(),
	}

	if !(tickSize > 0) || math.IsInf(tickSize, 1) {
		p.Error = ReasonBadTickSize
		return p
	}
	if len(ticks) == 0 {
		p.Error = ReasonNoTicks
		return p
	}

	step := decimal.NewFromFloat(tickSize)
	volumes := make(map[int64]decimal.Decimal)
	total := decimal.Zero

	for _, t := range ticks {
		if !t.Valid() {
			continue
		}
		q := decimal.NewFromFloat(t.Price).Div(step).Round(0)
		if q.GreaterThan(maxIndex) {
			continue
		}
		idx := q.IntPart()
		qty := decimal.NewFromFloat(t.Quantity)
		volumes[idx] = volumes[idx].Add(qty)
		total = total.Add(qty)
		p.TradesProcessed++
	}

	if p.TradesProcessed == 0 {
		p.Error = ReasonNoValidTicks
		return p
	}

	buckets := rank(volumes)

	// buckets[0] is the POC: highest volume, lowest price on ties
	threshold := total.Mul(a.fraction)
	areaVolume := decimal.Zero
	low, high := buckets[0].index, buckets[0].index
	for _, b := range buckets {
		areaVolume = areaVolume.Add(b.volume)
		if b.index < low {
			low = b.index
		}
		if b.index > high {
			high = b.index
		}
		if areaVolume.GreaterThanOrEqual(threshold) {
			break
		}
	}

	p.POC = price(buckets[0].index, step)
	p.VAH = price(high, step)
	p.VAL = price(low, step)
	p.TotalVolume = total.InexactFloat64()
	p.ValueAreaVolume = areaVolume.InexactFloat64()
	p.ValueAreaPercentage = areaVolume.Div(total).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()

	return p
}

// Buckets returns price level to summed quantity, mostly for inspection and
// tests. Keys are the rounded bucket prices.
func Buckets(ticks []models.Tick, tickSize float64) map[float64]float64 {
	out := make(map[float64]float64)
	if tickSize <= 0 {
		return out
	}
	step := decimal.NewFromFloat(tickSize)
	volumes := make(map[int64]decimal.Decimal)
	for _, t := range ticks {
		if !t.Valid() {
			continue
		}
		idx := decimal.NewFromFloat(t.Price).Div(step).Round(0).IntPart()
		volumes[idx] = volumes[idx].Add(decimal.NewFromFloat(t.Quantity))
	}
	for idx, v := range volumes {
		out[*price(idx, step)] = v.InexactFloat64()
	}
	return out
}

// rank orders buckets by descending volume, then ascending price, so the
// walk never depends on map iteration order.
func rank(volumes map[int64]decimal.Decimal) []bucket {
	buckets := make([]bucket, 0, len(volumes))
	for idx, v := range volumes {
		buckets = append(buckets, bucket{index: idx, volume: v})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if c := buckets[i].volume.Cmp(buckets[j].volume); c != 0 {
			return c > 0
		}
		return buckets[i].index < buckets[j].index
	})
	return buckets
}

func price(index int64, step decimal.Decimal) *float64 {
	v := decimal.NewFromInt(index).Mul(step).InexactFloat64()
	return &v
}
