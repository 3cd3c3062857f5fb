// Package aggregation rolls finalized 1-minute candles up into the higher
// intervals reversal detection runs on.
package aggregation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/pkg/models"
)

// barBuilder accumulates one higher-interval candle
type barBuilder struct {
	bar  models.Candle
	next time.Time
}

func (b *barBuilder) add(c models.Candle) {
	bar := &b.bar
	if c.High > bar.High {
		bar.High = c.High
	}
	if c.Low < bar.Low {
		bar.Low = c.Low
	}
	bar.Close = c.Close
	bar.Volume += c.Volume
	bar.QuoteVolume += c.QuoteVolume
	bar.TradeCount += c.TradeCount
	bar.TakerBuyVolume += c.TakerBuyVolume
	bar.TakerBuyQuoteVolume += c.TakerBuyQuoteVolume
	b.next = c.CloseTime.Add(time.Millisecond)
}

// Rollup builds higher-interval candles from a contiguous 1-minute feed.
// A bar is emitted only when every constituent candle was seen, so a gap in
// the feed discards the bar rather than publishing a wrong one.
type Rollup struct {
	intervals map[string]time.Duration
	logger    *logrus.Entry

	mu     sync.Mutex
	active map[string]*barBuilder

	completed int64
	discarded int64
}

// NewRollup creates a rollup for the given interval names. Intervals that
// are not a multiple of one minute are rejected.
func NewRollup(intervals []string, logger *logrus.Logger) (*Rollup, error) {
	r := &Rollup{
		intervals: make(map[string]time.Duration, len(intervals)),
		logger:    logger.WithField("component", "candle-rollup"),
		active:    make(map[string]*barBuilder),
	}
	for _, name := range intervals {
		d, err := exchange.ParseInterval(name)
		if err != nil {
			return nil, err
		}
		if d <= time.Minute || d%time.Minute != 0 {
			return nil, fmt.Errorf("cannot roll 1m candles up into %s", name)
		}
		r.intervals[name] = d
	}
	return r, nil
}

// Intervals returns the configured interval names, sorted by duration
func (r *Rollup) Intervals() []string {
	out := make([]string, 0, len(r.intervals))
	for name := range r.intervals {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return r.intervals[out[i]] < r.intervals[out[j]] })
	return out
}

// Add feeds one closed 1-minute candle and returns the bars it completed
func (r *Rollup) Add(c models.Candle) []models.Candle {
	if !c.Closed || c.Interval != "1m" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var done []models.Candle
	for _, name := range r.Intervals() {
		d := r.intervals[name]
		key := strings.ToUpper(c.Instrument) + ":" + name
		open := c.OpenTime.UTC().Truncate(d)

		b, ok := r.active[key]
		if ok && b.bar.OpenTime.Equal(open) && c.OpenTime.Before(b.next) {
			// minute already folded into this bar
			continue
		}
		if ok && (!b.bar.OpenTime.Equal(open) || !b.next.Equal(c.OpenTime)) {
			// a missing minute or a new bucket before the old one closed
			r.discarded++
			r.logger.WithFields(logrus.Fields{
				"instrument": c.Instrument,
				"interval":   name,
				"open":       b.bar.OpenTime.Format(time.RFC3339),
			}).Debug("Discarding incomplete bar")
			delete(r.active, key)
			ok = false
		}

		if !ok {
			if !c.OpenTime.Equal(open) {
				// joined mid-bucket; wait for the next one
				continue
			}
			b = &barBuilder{
				bar: models.Candle{
					Instrument: strings.ToUpper(c.Instrument),
					Interval:   name,
					OpenTime:   open,
					CloseTime:  open.Add(d - time.Millisecond),
					OHLC:       models.OHLC{Open: c.Open, High: c.High, Low: c.Low},
					Closed:     true,
				},
			}
			r.active[key] = b
		}

		b.add(c)
		if !b.next.Before(open.Add(d)) {
			done = append(done, b.bar)
			delete(r.active, key)
			r.completed++
		}
	}
	return done
}

// Counts returns how many bars were completed and discarded
func (r *Rollup) Counts() (completed, discarded int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed, r.discarded
}
