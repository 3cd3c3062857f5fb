package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

// KlineSource fetches historical candles through the throttled channel
type KlineSource interface {
	FetchKlines(ctx context.Context, instrument, interval string, start, end time.Time) ([]models.Candle, error)
}

// CandleStore persists recovered candles
type CandleStore interface {
	WriteCandles(ctx context.Context, candles []models.Candle) error
}

// CandlePublisher fans recovered candles and gap reports out to the bus
type CandlePublisher interface {
	PublishCandle(c models.Candle) error
	PublishGap(report models.GapReport) error
}

// BoundaryWriter advances the persisted last-close marker
type BoundaryWriter interface {
	SetLastCandleClose(ctx context.Context, instrument, interval string, closeTime time.Time) error
}

// GapRecoveryStats counts recovery outcomes
type GapRecoveryStats struct {
	Reports   int64 `json:"reports"`
	Recovered int64 `json:"recovered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// GapRecovery backfills candles the stream missed while it was down. It is
// registered as the candle collector's gap handler.
type GapRecovery struct {
	klines     KlineSource
	store      CandleStore
	publisher  CandlePublisher
	boundaries BoundaryWriter
	timeout    time.Duration
	logger     *logrus.Entry

	reports   atomic.Int64
	recovered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewGapRecovery creates the handler. store, publisher and boundaries are
// optional.
func NewGapRecovery(klines KlineSource, store CandleStore, publisher CandlePublisher, boundaries BoundaryWriter, logger *logrus.Logger) *GapRecovery {
	return &GapRecovery{
		klines:     klines,
		store:      store,
		publisher:  publisher,
		boundaries: boundaries,
		timeout:    10 * time.Second,
		logger:     logger.WithField("component", "gap-recovery"),
	}
}

// Handle recovers each report in turn. A ban drops every remaining report.
func (g *GapRecovery) Handle(ctx context.Context, reports []models.GapReport) {
	for i, report := range reports {
		g.reports.Add(1)

		err := g.recover(ctx, report)
		if err == nil {
			continue
		}
		g.failed.Add(1)

		if errors.Is(err, ratelimit.ErrBanned) || ctx.Err() != nil {
			rest := reports[i+1:]
			g.dropped.Add(int64(len(rest)))
			for _, r := range rest {
				g.logger.WithFields(logrus.Fields{
					"instrument": r.Instrument,
					"interval":   r.Interval,
					"missing":    len(r.MissingBoundaries),
				}).Warn("Dropping gap report")
			}
			g.logger.WithError(err).WithField("dropped", len(rest)).Error("Gap recovery aborted")
			return
		}
	}
}

func (g *GapRecovery) recover(ctx context.Context, report models.GapReport) error {
	if len(report.MissingBoundaries) == 0 {
		return nil
	}

	start := report.MissingBoundaries[0]
	end := report.MissingBoundaries[len(report.MissingBoundaries)-1]
	log := g.logger.WithFields(logrus.Fields{
		"instrument": report.Instrument,
		"interval":   report.Interval,
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
		"missing":    len(report.MissingBoundaries),
	})

	if g.publisher != nil {
		if err := g.publisher.PublishGap(report); err != nil {
			log.WithError(err).Warn("Failed to publish gap report")
		}
	}

	candles, err := g.klines.FetchKlines(ctx, report.Instrument, report.Interval, start, end)
	if err != nil {
		log.WithError(err).Error("Failed to fetch missing candles")
		return err
	}

	var recovered []models.Candle
	for _, c := range candles {
		if !c.Closed || c.OpenTime.Before(start) || c.OpenTime.After(end) {
			continue
		}
		c.Recovered = true
		recovered = append(recovered, c)
	}
	if len(recovered) == 0 {
		log.Warn("Exchange returned no candles for gap")
		return nil
	}

	if g.store != nil {
		sctx, cancel := context.WithTimeout(ctx, g.timeout)
		err := g.store.WriteCandles(sctx, recovered)
		cancel()
		if err != nil {
			log.WithError(err).Error("Failed to store recovered candles")
			return err
		}
	}

	if g.publisher != nil {
		for _, c := range recovered {
			if err := g.publisher.PublishCandle(c); err != nil {
				log.WithError(err).Warn("Failed to publish recovered candle")
				break
			}
		}
	}

	if g.boundaries != nil {
		next := recovered[len(recovered)-1].CloseTime.Add(time.Millisecond)
		sctx, cancel := context.WithTimeout(ctx, g.timeout)
		if err := g.boundaries.SetLastCandleClose(sctx, report.Instrument, report.Interval, next); err != nil {
			log.WithError(err).Warn("Failed to advance candle boundary")
		}
		cancel()
	}

	g.recovered.Add(int64(len(recovered)))
	log.WithField("recovered", len(recovered)).Info("Gap recovered")
	return nil
}

// Stats returns recovery counters
func (g *GapRecovery) Stats() GapRecoveryStats {
	return GapRecoveryStats{
		Reports:   g.reports.Load(),
		Recovered: g.recovered.Load(),
		Failed:    g.failed.Load(),
		Dropped:   g.dropped.Load(),
	}
}
