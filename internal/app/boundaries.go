package app

import (
	"context"
	"time"

	"github.com/trade-footprint/internal/exchange"
)

// candleSeeder reports the newest stored candle boundary
type candleSeeder interface {
	GetLastCandleTime(ctx context.Context, symbol, interval string) (time.Time, error)
}

// seededBoundaries reads the last close from the primary store and falls
// back to the time-series store when the primary has none, e.g. after the
// cache was flushed.
type seededBoundaries struct {
	exchange.BoundaryStore
	seed candleSeeder
}

func (b seededBoundaries) LastCandleClose(ctx context.Context, instrument, interval string) (time.Time, error) {
	last, err := b.BoundaryStore.LastCandleClose(ctx, instrument, interval)
	if err != nil || !last.IsZero() || b.seed == nil {
		return last, err
	}
	return b.seed.GetLastCandleTime(ctx, instrument, interval)
}
