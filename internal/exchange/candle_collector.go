package exchange

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

// InstrumentStore is the persisted instrument list the candle stream
// resubscribes from on every connect
type InstrumentStore interface {
	ListInstruments(ctx context.Context) ([]string, error)
}

// BoundaryStore persists the last candle close per instrument so gaps can be
// detected across restarts
type BoundaryStore interface {
	LastCandleClose(ctx context.Context, instrument, interval string) (time.Time, error)
	SetLastCandleClose(ctx context.Context, instrument, interval string, closeTime time.Time) error
}

// CandleHandler receives finalized candles
type CandleHandler func(models.Candle)

// GapHandler receives the candles missed while the stream was down
type GapHandler func(ctx context.Context, reports []models.GapReport)

// CandleCollectorConfig configures the kline stream
type CandleCollectorConfig struct {
	Stream       StreamConfig
	Interval     string
	StoreTimeout time.Duration
}

// CandleCollector consumes finalized 1-minute candles on its own connection
// and reports the boundaries it missed after every reconnect
type CandleCollector struct {
	cfg        CandleCollectorConfig
	interval   time.Duration
	channel    string
	stream     *stream
	store      InstrumentStore
	boundaries BoundaryStore
	clock      ratelimit.Clock
	log        *logrus.Entry

	mu        sync.RWMutex
	subs      map[string]struct{}
	lastClose map[string]time.Time
	handlers  []CandleHandler
	onGap     GapHandler

	gapWG sync.WaitGroup

	closed     atomic.Int64
	ignored    atomic.Int64
	invalid    atomic.Int64
	duplicates atomic.Int64
	gaps       atomic.Int64
}

// NewCandleCollector creates a collector. boundaries may be nil.
func NewCandleCollector(cfg CandleCollectorConfig, dialer Dialer, store InstrumentStore, boundaries BoundaryStore, clock ratelimit.Clock, logger *logrus.Logger) (*CandleCollector, error) {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	d, err := ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = ratelimit.RealClock()
	}

	log := logger.WithField("component", "candle-collector")
	c := &CandleCollector{
		cfg:        cfg,
		interval:   d,
		channel:    "kline_" + cfg.Interval,
		store:      store,
		boundaries: boundaries,
		clock:      clock,
		log:        log,
		subs:       make(map[string]struct{}),
		lastClose:  make(map[string]time.Time),
	}
	c.stream = newStream("kline", cfg.Stream, dialer, c, clock, log)
	return c, nil
}

// OnCandle registers a consumer of closed candles
func (c *CandleCollector) OnCandle(h CandleHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// OnGap sets the gap recovery callback
func (c *CandleCollector) OnGap(h GapHandler) {
	c.mu.Lock()
	c.onGap = h
	c.mu.Unlock()
}

// Run serves the stream until ctx is cancelled
func (c *CandleCollector) Run(ctx context.Context) {
	c.stream.Run(ctx)
	c.gapWG.Wait()
}

// Subscribe adds instrument to the stream
func (c *CandleCollector) Subscribe(instrument string) error {
	instrument = strings.ToUpper(instrument)
	c.mu.Lock()
	if _, ok := c.subs[instrument]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subs[instrument] = struct{}{}
	c.mu.Unlock()

	err := c.stream.send("SUBSCRIBE", []string{streamName(instrument, c.channel)})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Unsubscribe removes instrument from the stream
func (c *CandleCollector) Unsubscribe(instrument string) error {
	instrument = strings.ToUpper(instrument)
	c.mu.Lock()
	delete(c.subs, instrument)
	delete(c.lastClose, instrument)
	c.mu.Unlock()

	err := c.stream.send("UNSUBSCRIBE", []string{streamName(instrument, c.channel)})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Subscriptions returns the subscribed instruments, sorted
func (c *CandleCollector) Subscriptions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// LastClose returns the last known candle close for instrument
func (c *CandleCollector) LastClose(instrument string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastClose[strings.ToUpper(instrument)]
	return t, ok
}

// State returns the connection state
func (c *CandleCollector) State() ConnState { return c.stream.State() }

// Reconnects returns the reconnect counter
func (c *CandleCollector) Reconnects() int64 { return c.stream.Reconnects() }

func (c *CandleCollector) onConnected(ctx context.Context, reconnect bool) {
	if c.store != nil {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		persisted, err := c.store.ListInstruments(sctx)
		cancel()
		if err != nil {
			c.log.WithError(err).Warn("Failed to load persisted instruments, using in-memory set")
		}
		c.mu.Lock()
		for _, s := range persisted {
			c.subs[strings.ToUpper(s)] = struct{}{}
		}
		c.mu.Unlock()
	}

	subs := c.Subscriptions()
	if len(subs) > 0 {
		params := make([]string, len(subs))
		for i, s := range subs {
			params[i] = streamName(s, c.channel)
		}
		if err := c.stream.send("SUBSCRIBE", params); err != nil {
			c.log.WithError(err).Error("Failed to subscribe candle streams")
		} else {
			c.log.WithFields(logrus.Fields{"instruments": len(subs), "reconnect": reconnect}).Info("Subscribed candle streams")
		}
	}

	reports := c.detectGaps(ctx, subs)
	if len(reports) == 0 {
		return
	}
	c.gaps.Add(int64(len(reports)))

	c.mu.RLock()
	onGap := c.onGap
	c.mu.RUnlock()
	if onGap == nil {
		c.log.WithField("instruments", len(reports)).Warn("Candle gaps detected, no recovery handler set")
		return
	}
	c.gapWG.Add(1)
	go func() {
		defer c.gapWG.Done()
		onGap(ctx, reports)
	}()
}

func (c *CandleCollector) detectGaps(ctx context.Context, instruments []string) []models.GapReport {
	now := c.clock.Now()
	var reports []models.GapReport

	for _, inst := range instruments {
		last, ok := c.LastClose(inst)
		if !ok && c.boundaries != nil {
			sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
			stored, err := c.boundaries.LastCandleClose(sctx, inst, c.cfg.Interval)
			cancel()
			if err != nil {
				c.log.WithError(err).WithField("instrument", inst).Warn("Failed to load last candle close")
				continue
			}
			last = stored
		}
		if last.IsZero() {
			continue
		}

		missing := MissingBoundaries(last, now, c.interval)
		if len(missing) == 0 {
			continue
		}
		reports = append(reports, models.GapReport{
			Instrument:        inst,
			Interval:          c.cfg.Interval,
			MissingBoundaries: missing,
		})
		c.log.WithFields(logrus.Fields{
			"instrument": inst,
			"missing":    len(missing),
			"from":       missing[0].Format(time.RFC3339),
		}).Warn("Candle gap detected")
	}
	return reports
}

func (c *CandleCollector) onDisconnected(err error) {}

func (c *CandleCollector) onMessage(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		c.invalid.Add(1)
		return
	}
	if env.ID != nil {
		if env.Error != nil {
			c.log.WithFields(logrus.Fields{"id": *env.ID, "code": env.Error.Code}).Error("Subscription rejected: " + env.Error.Msg)
		}
		return
	}
	if env.EventType != "kline" {
		return
	}

	candle, err := decodeKline(data)
	if err != nil {
		c.invalid.Add(1)
		c.log.WithError(err).Debug("Skipping invalid candle")
		return
	}
	if !candle.Closed || candle.Interval != c.cfg.Interval {
		c.ignored.Add(1)
		return
	}
	next := candle.CloseTime.Add(time.Millisecond)
	c.mu.Lock()
	if !next.After(c.lastClose[candle.Instrument]) {
		c.mu.Unlock()
		c.duplicates.Add(1)
		return
	}
	c.lastClose[candle.Instrument] = next
	handlers := append([]CandleHandler(nil), c.handlers...)
	c.mu.Unlock()
	c.closed.Add(1)

	if c.boundaries != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
		if err := c.boundaries.SetLastCandleClose(ctx, candle.Instrument, c.cfg.Interval, next); err != nil {
			c.log.WithError(err).WithField("instrument", candle.Instrument).Warn("Failed to persist candle boundary")
		}
		cancel()
	}

	for _, h := range handlers {
		h(candle)
	}
}

// CandleCollectorStats is a status summary
type CandleCollectorStats struct {
	StreamStats
	Subscriptions int   `json:"subscriptions"`
	Closed        int64 `json:"closed"`
	Ignored       int64 `json:"ignored"`
	Invalid       int64 `json:"invalid"`
	Duplicates    int64 `json:"duplicates"`
	GapReports    int64 `json:"gapReports"`
}

// Stats returns a status summary
func (c *CandleCollector) Stats() CandleCollectorStats {
	c.mu.RLock()
	subs := len(c.subs)
	c.mu.RUnlock()
	return CandleCollectorStats{
		StreamStats:   c.stream.stats(),
		Subscriptions: subs,
		Closed:        c.closed.Load(),
		Ignored:       c.ignored.Load(),
		Invalid:       c.invalid.Load(),
		Duplicates:    c.duplicates.Load(),
		GapReports:    c.gaps.Load(),
	}
}
