// Package pipeline turns reversal candidates into persisted signal records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/internal/profile"
	"github.com/trade-footprint/internal/router"
	"github.com/trade-footprint/internal/signal"
	"github.com/trade-footprint/pkg/models"
)

var (
	// ErrInvalidCandidate is returned for a candidate that cannot be keyed
	ErrInvalidCandidate = errors.New("invalid reversal candidate")
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// queue has no room
	ErrQueueFull = errors.New("candidate queue full")
	// ErrStopped is returned by Submit before Start or after shutdown
	ErrStopped = errors.New("orchestrator not running")
)

// TickFetcher resolves the ticks of one window
type TickFetcher interface {
	FetchTicks(ctx context.Context, instrument string, start, end time.Time, interval string) (router.Result, error)
}

// TickSizeLookup resolves the bucket size of an instrument
type TickSizeLookup interface {
	For(instrument string, refPrice float64) float64
}

// RecordSink persists records with upsert semantics. It is the only sink
// whose failure fails the candidate.
type RecordSink interface {
	UpsertSignal(ctx context.Context, rec models.SignalRecord) error
}

// ProfileWriter stores computed profiles as time series
type ProfileWriter interface {
	WriteProfile(ctx context.Context, rec models.SignalRecord) error
}

// RecordPublisher fans records out to other consumers
type RecordPublisher interface {
	PublishSignal(rec models.SignalRecord) error
}

// Config sizes the worker pool
type Config struct {
	Workers      int
	QueueSize    int
	StoreTimeout time.Duration
}

// Stats counts processed candidates
type Stats struct {
	Processed int64 `json:"processed"`
	Valid     int64 `json:"valid"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Queued    int   `json:"queued"`
}

// job is a queued candidate plus the callback that settles it upstream
type job struct {
	candidate models.ReversalCandidate
	done      func(error)
}

// Orchestrator fetches the ticks behind each candidate, computes the
// profile, validates the signal and hands the record to the sinks.
type Orchestrator struct {
	cfg        Config
	fetcher    TickFetcher
	aggregator *profile.Aggregator
	tickSizes  TickSizeLookup
	validator  *signal.Validator
	sink       RecordSink
	profiles   ProfileWriter
	publisher  RecordPublisher
	validate   *validator.Validate
	logger     *logrus.Entry

	queue   chan job
	running atomic.Bool
	mu      sync.RWMutex
	workers sync.WaitGroup
	wg      sync.WaitGroup

	processed atomic.Int64
	valid     atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// New creates an orchestrator. profiles and publisher are optional and may
// be set with SetProfileWriter and SetPublisher.
func New(
	cfg Config,
	fetcher TickFetcher,
	aggregator *profile.Aggregator,
	tickSizes TickSizeLookup,
	signals *signal.Validator,
	sink RecordSink,
	logger *logrus.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		fetcher:    fetcher,
		aggregator: aggregator,
		tickSizes:  tickSizes,
		validator:  signals,
		sink:       sink,
		validate:   validator.New(),
		logger:     logger.WithField("component", "orchestrator"),
		queue:      make(chan job, cfg.QueueSize),
	}
}

// SetProfileWriter attaches the time-series writer
func (o *Orchestrator) SetProfileWriter(w ProfileWriter) { o.profiles = w }

// SetPublisher attaches the record publisher
func (o *Orchestrator) SetPublisher(p RecordPublisher) { o.publisher = p }

// Process handles one candidate synchronously and returns the persisted
// record. Aborted windows return an error and persist nothing.
func (o *Orchestrator) Process(ctx context.Context, c models.ReversalCandidate) (models.SignalRecord, error) {
	c.Instrument = strings.ToUpper(strings.TrimSpace(c.Instrument))
	if err := o.validate.Struct(c); err != nil {
		o.skipped.Add(1)
		o.logger.WithError(err).WithField("instrument", c.Instrument).Warn("Skipping malformed reversal candidate")
		return models.SignalRecord{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}

	log := o.logger.WithFields(logrus.Fields{
		"instrument": c.Instrument,
		"interval":   c.Interval,
		"open_time":  c.OpenTime.UTC().Format(time.RFC3339),
		"close_time": c.CloseTime.UTC().Format(time.RFC3339),
		"direction":  c.Direction,
	})

	res, err := o.fetcher.FetchTicks(ctx, c.Instrument, c.OpenTime, c.CloseTime, c.Interval)
	if err != nil && (errors.Is(err, exchange.ErrWindowAborted) || ctx.Err() != nil) {
		o.skipped.Add(1)
		log.WithError(err).Warn("Window aborted, nothing persisted")
		return models.SignalRecord{}, err
	}

	var vp models.VolumeProfile
	switch {
	case err != nil:
		log.WithError(err).Warn("No ticks for window, recording empty profile")
		vp = models.VolumeProfile{Error: "tick fetch failed: " + err.Error(), CalculatedAt: time.Now().UTC()}
	case res.Profile != nil:
		vp = *res.Profile
	default:
		vp = o.aggregator.Compute(res.Ticks, o.tickSize(c, res.Ticks), res.Source)
	}

	rec := models.SignalRecord{
		Instrument: c.Instrument,
		Interval:   c.Interval,
		OpenTime:   c.OpenTime.UTC(),
		CloseTime:  c.CloseTime.UTC(),
		Candle:     c.Candle,
		Footprint:  vp,
		Signal:     o.validator.Validate(c.Candle, &vp, c.Direction),
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	if err := o.sink.UpsertSignal(storeCtx, rec); err != nil {
		o.failed.Add(1)
		log.WithError(err).Error("Failed to persist signal record")
		return rec, fmt.Errorf("upsert signal: %w", err)
	}
	if o.profiles != nil {
		if err := o.profiles.WriteProfile(storeCtx, rec); err != nil {
			log.WithError(err).Warn("Failed to write profile point")
		}
	}
	if o.publisher != nil {
		if err := o.publisher.PublishSignal(rec); err != nil {
			log.WithError(err).Warn("Failed to publish signal")
		}
	}

	o.processed.Add(1)
	if rec.Signal.IsValid {
		o.valid.Add(1)
	}
	log.WithFields(logrus.Fields{
		"source": vp.DataSource,
		"trades": vp.TradesProcessed,
		"valid":  rec.Signal.IsValid,
		"score":  rec.Signal.Score,
		"reason": rec.Signal.Reason,
	}).Info("Signal record stored")
	return rec, nil
}

func (o *Orchestrator) tickSize(c models.ReversalCandidate, ticks []models.Tick) float64 {
	ref := c.Candle.Close
	if ref <= 0 && len(ticks) > 0 {
		ref = ticks[0].Price
	}
	return o.tickSizes.For(c.Instrument, ref)
}

// Start launches the worker pool. Workers drain the queue until ctx is
// done; whatever is still queued then is settled with ErrStopped.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < o.cfg.Workers; i++ {
		o.workers.Add(1)
		go o.worker(ctx, i)
	}
	o.logger.WithField("workers", o.cfg.Workers).Info("Orchestrator started")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-ctx.Done()
		o.mu.Lock()
		o.running.Store(false)
		o.mu.Unlock()

		o.workers.Wait()
		for {
			select {
			case j := <-o.queue:
				o.abandon(j)
			default:
				return
			}
		}
	}()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			if ctx.Err() != nil {
				o.abandon(j)
				return
			}
			_, err := o.Process(ctx, j.candidate)
			if err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"worker":     id,
					"instrument": j.candidate.Instrument,
					"open_time":  j.candidate.OpenTime.UTC().Format(time.RFC3339),
				}).Debug("Candidate not stored")
			}
			if j.done != nil {
				j.done(err)
			}
		}
	}
}

// abandon hands an unprocessed candidate back to its source
func (o *Orchestrator) abandon(j job) {
	o.abandoned.Add(1)
	o.logger.WithFields(logrus.Fields{
		"instrument": j.candidate.Instrument,
		"interval":   j.candidate.Interval,
		"open_time":  j.candidate.OpenTime.UTC().Format(time.RFC3339),
		"direction":  j.candidate.Direction,
	}).Warn("Candidate abandoned at shutdown")
	if j.done != nil {
		j.done(ErrStopped)
	}
}

// Submit queues a candidate without blocking. When it returns nil, done is
// called exactly once with the outcome of Process, or with ErrStopped if
// the orchestrator shuts down first. done may be nil.
func (o *Orchestrator) Submit(c models.ReversalCandidate, done func(error)) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.running.Load() {
		return ErrStopped
	}
	select {
	case o.queue <- job{candidate: c, done: done}:
		return nil
	default:
		o.skipped.Add(1)
		o.logger.WithField("instrument", c.Instrument).Warn("Candidate queue full, refusing")
		return ErrQueueFull
	}
}

// Wait blocks until the workers have exited and the queue is settled
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stats returns processing counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed: o.processed.Load(),
		Valid:     o.valid.Load(),
		Skipped:   o.skipped.Load(),
		Failed:    o.failed.Load(),
		Abandoned: o.abandoned.Load(),
		Queued:    len(o.queue),
	}
}
