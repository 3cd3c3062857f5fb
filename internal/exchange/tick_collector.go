package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

// ErrNotSubscribed is returned when collecting an instrument the stream does not carry
var ErrNotSubscribed = errors.New("instrument not subscribed")

// TickCollectorConfig configures the aggTrade stream
type TickCollectorConfig struct {
	Stream       StreamConfig
	Grace        time.Duration
	Retention    time.Duration
	ArmIntervals []string
	ArmEvery     time.Duration
}

// TickCollector keeps one aggTrade connection open and buffers ticks into
// collection windows
type TickCollector struct {
	cfg    TickCollectorConfig
	stream *stream
	arena  *WindowArena
	clock  ratelimit.Clock
	log    *logrus.Entry

	mu   sync.RWMutex
	subs map[string]struct{}
	arm  map[string]time.Duration

	received  atomic.Int64
	buffered  atomic.Int64
	discarded atomic.Int64
	invalid   atomic.Int64
}

// NewTickCollector creates a collector. Windows are aborted when ctx ends.
func NewTickCollector(ctx context.Context, cfg TickCollectorConfig, dialer Dialer, compute ProfileFunc, clock ratelimit.Clock, logger *logrus.Logger) (*TickCollector, error) {
	if clock == nil {
		clock = ratelimit.RealClock()
	}
	if cfg.ArmEvery <= 0 {
		cfg.ArmEvery = 5 * time.Second
	}
	arm := make(map[string]time.Duration, len(cfg.ArmIntervals))
	for _, name := range cfg.ArmIntervals {
		d, err := ParseInterval(name)
		if err != nil {
			return nil, err
		}
		arm[name] = d
	}

	log := logger.WithField("component", "tick-collector")
	c := &TickCollector{
		cfg:   cfg,
		clock: clock,
		log:   log,
		subs:  make(map[string]struct{}),
		arm:   arm,
	}
	c.arena = NewWindowArena(ctx, compute, cfg.Grace, cfg.Retention, clock, log)
	c.stream = newStream("aggTrade", cfg.Stream, dialer, c, clock, log)
	return c, nil
}

// Run serves the stream until ctx is cancelled
func (c *TickCollector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if len(c.arm) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.armLoop(ctx)
		}()
	}
	c.stream.Run(ctx)
	wg.Wait()
	c.arena.Wait()
}

// Subscribe adds instrument to the stream. While disconnected the
// subscription is recorded and sent on the next connect.
func (c *TickCollector) Subscribe(instrument string) error {
	instrument = strings.ToUpper(instrument)
	c.mu.Lock()
	if _, ok := c.subs[instrument]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subs[instrument] = struct{}{}
	c.mu.Unlock()

	err := c.stream.send("SUBSCRIBE", []string{streamName(instrument, ChannelAggTrade)})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	c.log.WithField("instrument", instrument).Info("Subscribed to trades")
	return nil
}

// Unsubscribe removes instrument. Its open windows can no longer complete.
func (c *TickCollector) Unsubscribe(instrument string) error {
	instrument = strings.ToUpper(instrument)
	c.mu.Lock()
	if _, ok := c.subs[instrument]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, instrument)
	c.mu.Unlock()

	c.arena.Interrupt(instrument)
	err := c.stream.send("UNSUBSCRIBE", []string{streamName(instrument, ChannelAggTrade)})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	c.log.WithField("instrument", instrument).Info("Unsubscribed from trades")
	return nil
}

// IsSubscribed reports whether instrument is in the subscription set
func (c *TickCollector) IsSubscribed(instrument string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[strings.ToUpper(instrument)]
	return ok
}

// Subscriptions returns the subscribed instruments, sorted
func (c *TickCollector) Subscriptions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ActiveSince returns when the current connection came up. ok is false
// while the stream is down.
func (c *TickCollector) ActiveSince() (time.Time, bool) {
	return c.stream.ConnectedSince()
}

// StartWindow opens the window [start, end] for instrument, or returns the
// one already open for that range. A window opened after its start, or
// while the stream is down, is marked partial.
func (c *TickCollector) StartWindow(instrument string, start, end time.Time, interval string) (*Window, error) {
	instrument = strings.ToUpper(instrument)
	since, up := c.stream.ConnectedSince()
	now := c.clock.Now()
	partial := !up || since.After(start) || now.After(start)

	w, created, err := c.arena.Open(models.NewWindowKey(instrument, start, end), interval, partial)
	if err != nil {
		return nil, err
	}
	if created {
		c.log.WithFields(logrus.Fields{
			"instrument": instrument,
			"start":      start.UTC().Format(time.RFC3339),
			"end":        end.UTC().Format(time.RFC3339),
			"partial":    partial,
		}).Debug("Window opened")
	}
	return w, nil
}

// AwaitWindow waits for a window that was already started
func (c *TickCollector) AwaitWindow(ctx context.Context, instrument string, start, end time.Time) (WindowResult, error) {
	w, ok := c.arena.Lookup(models.NewWindowKey(strings.ToUpper(instrument), start, end))
	if !ok {
		return WindowResult{}, ErrNotBuffered
	}
	return w.Await(ctx)
}

// Collect returns the buffered window for [start, end], opening and waiting
// for it when it lies in the future. Without allowPartial, a window that
// may be missing ticks is reported as ErrNotBuffered.
func (c *TickCollector) Collect(ctx context.Context, instrument string, start, end time.Time, interval string, allowPartial bool) (WindowResult, error) {
	if !end.After(start) {
		return WindowResult{}, ErrInvalidWindow
	}
	instrument = strings.ToUpper(instrument)
	if !c.IsSubscribed(instrument) {
		return WindowResult{}, ErrNotSubscribed
	}

	w, ok := c.arena.Lookup(models.NewWindowKey(instrument, start, end))
	if !ok {
		now := c.clock.Now()
		if now.After(end.Add(c.cfg.Grace)) {
			return WindowResult{}, ErrNotBuffered
		}
		if now.After(start) && !allowPartial {
			return WindowResult{}, fmt.Errorf("%w: window already started", ErrNotBuffered)
		}
		var err error
		if w, err = c.StartWindow(instrument, start, end, interval); err != nil {
			return WindowResult{}, err
		}
	}

	res, err := w.Await(ctx)
	if err != nil {
		return WindowResult{}, err
	}
	if res.Partial && !allowPartial {
		return WindowResult{}, fmt.Errorf("%w: window is partial", ErrNotBuffered)
	}
	return res, nil
}

// armLoop keeps the next candle of every armed interval open ahead of time
// so live reversals find a complete buffer
func (c *TickCollector) armLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ArmEvery)
	defer ticker.Stop()

	c.armNext()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.armNext()
		}
	}
}

func (c *TickCollector) armNext() {
	if _, up := c.stream.ConnectedSince(); !up {
		return
	}
	now := c.clock.Now()
	for _, instrument := range c.Subscriptions() {
		for name, d := range c.arm {
			open, _ := CandleBounds(now, d)
			next := open.Add(d)
			if _, err := c.StartWindow(instrument, next, next.Add(d-time.Millisecond), name); err != nil {
				c.log.WithError(err).WithField("instrument", instrument).Debug("Failed to arm window")
			}
		}
	}
}

func (c *TickCollector) onConnected(ctx context.Context, reconnect bool) {
	subs := c.Subscriptions()
	if len(subs) == 0 {
		return
	}
	params := make([]string, len(subs))
	for i, s := range subs {
		params[i] = streamName(s, ChannelAggTrade)
	}
	if err := c.stream.send("SUBSCRIBE", params); err != nil {
		c.log.WithError(err).Error("Failed to replay trade subscriptions")
		return
	}
	c.log.WithFields(logrus.Fields{"instruments": len(subs), "reconnect": reconnect}).Info("Replayed trade subscriptions")
}

func (c *TickCollector) onDisconnected(err error) {
	if n := c.arena.InterruptAll(); n > 0 {
		c.log.WithError(err).WithField("windows", n).Warn("Open windows interrupted by stream loss")
	}
}

func (c *TickCollector) onMessage(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		c.invalid.Add(1)
		c.log.WithError(err).Debug("Unreadable stream frame")
		return
	}
	if env.ID != nil {
		if env.Error != nil {
			c.log.WithFields(logrus.Fields{"id": *env.ID, "code": env.Error.Code}).Error("Subscription rejected: " + env.Error.Msg)
		}
		return
	}
	if env.EventType != ChannelAggTrade {
		return
	}

	c.received.Add(1)
	tick, err := decodeAggTrade(data)
	if err != nil || !tick.Valid() {
		c.invalid.Add(1)
		c.log.WithError(err).Debug("Skipping invalid trade")
		return
	}
	if c.arena.Dispatch(tick) > 0 {
		c.buffered.Add(1)
	} else {
		c.discarded.Add(1)
	}
}

// TickCollectorStats is a status summary
type TickCollectorStats struct {
	StreamStats
	Subscriptions int        `json:"subscriptions"`
	Windows       ArenaStats `json:"windows"`
	Received      int64      `json:"received"`
	Buffered      int64      `json:"buffered"`
	Discarded     int64      `json:"discarded"`
	Invalid       int64      `json:"invalid"`
}

// Stats returns a status summary
func (c *TickCollector) Stats() TickCollectorStats {
	c.mu.RLock()
	subs := len(c.subs)
	c.mu.RUnlock()
	return TickCollectorStats{
		StreamStats:   c.stream.stats(),
		Subscriptions: subs,
		Windows:       c.arena.Stats(),
		Received:      c.received.Load(),
		Buffered:      c.buffered.Load(),
		Discarded:     c.discarded.Load(),
		Invalid:       c.invalid.Load(),
	}
}

// State returns the connection state
func (c *TickCollector) State() ConnState { return c.stream.State() }
