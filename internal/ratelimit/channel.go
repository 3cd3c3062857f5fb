package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/pkg/models"
)

// maxTradeSpan is the widest startTime/endTime range the aggTrades endpoint
// accepts in one request.
const maxTradeSpan = time.Hour - time.Millisecond

// PageFetcher fetches one page of historical trades
type PageFetcher interface {
	FetchTradesPage(ctx context.Context, instrument string, start, end time.Time, limit int) ([]models.Tick, error)
}

// KlineFetcher fetches one page of historical candles
type KlineFetcher interface {
	FetchKlinesPage(ctx context.Context, instrument, interval string, start, end time.Time, limit int) ([]models.Candle, error)
}

// WindowRequest is one entry of a batch fetch
type WindowRequest struct {
	Instrument string
	Start      time.Time
	End        time.Time
}

// BatchResult is the outcome of one WindowRequest
type BatchResult struct {
	Request WindowRequest
	Ticks   []models.Tick
	Err     error
	Skipped bool
}

// ChannelConfig bounds pagination
type ChannelConfig struct {
	PageLimit int
	MaxPages  int
}

// Channel is the only path for historical requests. Every page goes through
// the shared limiter.
type Channel struct {
	limiter *Limiter
	trades  PageFetcher
	klines  KlineFetcher
	cfg     ChannelConfig
	log     *logrus.Entry
}

// NewChannel creates a channel over the given fetchers. klines may be nil if
// candle recovery is not needed.
func NewChannel(limiter *Limiter, trades PageFetcher, klines KlineFetcher, cfg ChannelConfig, log *logrus.Entry) *Channel {
	if cfg.PageLimit <= 0 || cfg.PageLimit > 1000 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		limiter: limiter,
		trades:  trades,
		klines:  klines,
		cfg:     cfg,
		log:     log.WithField("component", "rest-channel"),
	}
}

// Limiter exposes the limiter shared by this channel
func (c *Channel) Limiter() *Limiter { return c.limiter }

// FetchTrades returns every trade of instrument in [start, end], deduplicated
// by id and in exchange order. A limit of zero uses the configured page size.
// Any failed page fails the whole fetch; partial windows are never returned.
func (c *Channel) FetchTrades(ctx context.Context, instrument string, start, end time.Time, limit int) ([]models.Tick, error) {
	if limit <= 0 || limit > c.cfg.PageLimit {
		limit = c.cfg.PageLimit
	}
	if end.Before(start) {
		return nil, fmt.Errorf("invalid window: end %s before start %s", end, start)
	}

	log := c.log.WithFields(logrus.Fields{
		"instrument": instrument,
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
	})

	var (
		out    []models.Tick
		seen   = make(map[int64]struct{})
		pages  int
		cursor = start
	)

	for !cursor.After(end) {
		chunkEnd := cursor.Add(maxTradeSpan)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		for {
			if pages >= c.cfg.MaxPages {
				log.WithField("pages", pages).Warn("Trade pagination hit max pages, window truncated")
				return out, nil
			}

			var batch []models.Tick
			err := c.limiter.Do(ctx, func(ctx context.Context) error {
				var err error
				batch, err = c.trades.FetchTradesPage(ctx, instrument, cursor, chunkEnd, limit)
				return err
			})
			pages++
			if err != nil {
				return nil, fmt.Errorf("fetch trades page %d: %w", pages, err)
			}
			if len(batch) == 0 {
				break
			}

			for _, t := range batch {
				if _, dup := seen[t.ID]; dup {
					continue
				}
				seen[t.ID] = struct{}{}
				if t.Instrument == "" {
					t.Instrument = instrument
				}
				out = append(out, t)
			}

			cursor = batch[len(batch)-1].Timestamp.Add(time.Millisecond)
			if len(batch) < limit || cursor.After(chunkEnd) {
				break
			}
		}

		cursor = chunkEnd.Add(time.Millisecond)
	}

	log.WithFields(logrus.Fields{"pages": pages, "trades": len(out)}).Debug("Fetched historical trades")
	return out, nil
}

// FetchKlines returns closed candles of instrument whose open time falls in
// [start, end].
func (c *Channel) FetchKlines(ctx context.Context, instrument, interval string, start, end time.Time) ([]models.Candle, error) {
	if c.klines == nil {
		return nil, errors.New("kline fetcher not configured")
	}

	const klineLimit = 1500
	var (
		out    []models.Candle
		cursor = start
	)

	for page := 0; page < c.cfg.MaxPages && !cursor.After(end); page++ {
		var batch []models.Candle
		err := c.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			batch, err = c.klines.FetchKlinesPage(ctx, instrument, interval, cursor, end, klineLimit)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch klines page %d: %w", page+1, err)
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		cursor = batch[len(batch)-1].CloseTime.Add(time.Millisecond)
		if len(batch) < klineLimit {
			break
		}
	}
	return out, nil
}

// FetchBatch fetches each window strictly one after another. A ban aborts
// the rest of the batch; those entries come back Skipped with the ban error.
func (c *Channel) FetchBatch(ctx context.Context, reqs []WindowRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		results[i].Request = req

		ticks, err := c.FetchTrades(ctx, req.Instrument, req.Start, req.End, 0)
		results[i].Ticks = ticks
		results[i].Err = err

		if err == nil {
			continue
		}
		if errors.Is(err, ErrBanned) || ctx.Err() != nil {
			for j := i + 1; j < len(reqs); j++ {
				results[j] = BatchResult{Request: reqs[j], Err: err, Skipped: true}
			}
			c.log.WithError(err).WithField("skipped", len(reqs)-i-1).Warn("Batch aborted")
			break
		}
	}
	return results
}
