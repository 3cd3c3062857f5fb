package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

var (
	// ErrWindowInterrupted means the stream dropped while the window was open,
	// so its tick list may have holes
	ErrWindowInterrupted = errors.New("window interrupted by stream loss")
	// ErrWindowAborted means the window was cancelled by shutdown
	ErrWindowAborted = errors.New("window aborted")
	// ErrNotBuffered means the stream never collected the requested window
	ErrNotBuffered = errors.New("window not buffered")
	// ErrInvalidWindow is returned for an empty or inverted range
	ErrInvalidWindow = errors.New("invalid window")
)

// ProfileFunc turns a sealed window's ticks into a profile
type ProfileFunc func(instrument string, ticks []models.Tick) models.VolumeProfile

// WindowResult is what a sealed window hands to every waiter
type WindowResult struct {
	Key      models.WindowKey
	Interval string
	Ticks    []models.Tick
	Profile  models.VolumeProfile
	Source   string
	// Partial is set when the window opened after its start or while the
	// stream was down, so early ticks may be missing
	Partial bool
}

// Window buffers the ticks of one (instrument, start, end) range. It is owned
// by a single goroutine that seals it; all other callers wait on done.
type Window struct {
	key      models.WindowKey
	interval string
	partial  bool

	mu          sync.Mutex
	ticks       []models.Tick
	sealed      bool
	interrupted bool

	done   chan struct{}
	result WindowResult
	err    error
}

// Key returns the window key
func (w *Window) Key() models.WindowKey { return w.key }

func (w *Window) add(t models.Tick) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed || !w.key.Contains(t.Timestamp) {
		return false
	}
	w.ticks = append(w.ticks, t)
	return true
}

func (w *Window) interrupt() {
	w.mu.Lock()
	if !w.sealed {
		w.interrupted = true
	}
	w.mu.Unlock()
}

// seal closes the window to new ticks and returns what it buffered
func (w *Window) seal() ([]models.Tick, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed = true
	ticks := w.ticks
	w.ticks = nil
	return ticks, w.interrupted
}

// Await blocks until the window is sealed or ctx ends. Every caller
// receives the same result.
func (w *Window) Await(ctx context.Context) (WindowResult, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return WindowResult{}, ctx.Err()
	}
}

// Done reports whether the window has been sealed
func (w *Window) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// ArenaStats summarizes the arena for status reporting
type ArenaStats struct {
	Open   int `json:"open"`
	Sealed int `json:"sealed"`
}

// WindowArena holds every window by key. Creation is insert-if-absent, so
// a range can never be collected twice.
type WindowArena struct {
	ctx       context.Context
	compute   ProfileFunc
	grace     time.Duration
	retention time.Duration
	clock     ratelimit.Clock
	log       *logrus.Entry

	mu      sync.RWMutex
	windows map[models.WindowKey]*Window
	open    map[string]map[models.WindowKey]*Window

	wg sync.WaitGroup
}

// NewWindowArena creates an arena. Windows are aborted when ctx ends.
func NewWindowArena(ctx context.Context, compute ProfileFunc, grace, retention time.Duration, clock ratelimit.Clock, log *logrus.Entry) *WindowArena {
	if clock == nil {
		clock = ratelimit.RealClock()
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &WindowArena{
		ctx:       ctx,
		compute:   compute,
		grace:     grace,
		retention: retention,
		clock:     clock,
		log:       log,
		windows:   make(map[models.WindowKey]*Window),
		open:      make(map[string]map[models.WindowKey]*Window),
	}
}

// Open returns the window for key, creating it if absent. created is false
// when an existing window was returned, in which case partial is ignored.
func (a *WindowArena) Open(key models.WindowKey, interval string, partial bool) (w *Window, created bool, err error) {
	if key.EndMs <= key.StartMs {
		return nil, false, ErrInvalidWindow
	}

	a.mu.Lock()
	if existing, ok := a.windows[key]; ok {
		a.mu.Unlock()
		return existing, false, nil
	}
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		return nil, false, ErrWindowAborted
	}
	w = &Window{key: key, interval: interval, partial: partial, done: make(chan struct{})}
	a.windows[key] = w
	byKey := a.open[key.Instrument]
	if byKey == nil {
		byKey = make(map[models.WindowKey]*Window)
		a.open[key.Instrument] = byKey
	}
	byKey[key] = w
	a.wg.Add(1)
	a.mu.Unlock()

	go a.own(w)
	return w, true, nil
}

// own is the single task that seals w, computes its profile once and later
// evicts it
func (a *WindowArena) own(w *Window) {
	defer a.wg.Done()

	wait := w.key.End().Add(a.grace).Sub(a.clock.Now())
	sleepErr := a.clock.Sleep(a.ctx, wait)

	ticks, interrupted := w.seal()
	a.mu.Lock()
	delete(a.open[w.key.Instrument], w.key)
	if len(a.open[w.key.Instrument]) == 0 {
		delete(a.open, w.key.Instrument)
	}
	a.mu.Unlock()

	log := a.log.WithFields(logrus.Fields{
		"instrument": w.key.Instrument,
		"window":     w.key.String(),
		"ticks":      len(ticks),
	})

	switch {
	case sleepErr != nil:
		w.err = ErrWindowAborted
		log.Warn("Window aborted, partial ticks discarded")
	case interrupted:
		w.err = ErrWindowInterrupted
		log.Warn("Window interrupted by stream loss")
	default:
		w.result = WindowResult{
			Key:      w.key,
			Interval: w.interval,
			Ticks:    ticks,
			Profile:  a.compute(w.key.Instrument, ticks),
			Source:   models.SourceStream,
			Partial:  w.partial,
		}
		log.Debug("Window sealed")
	}
	close(w.done)

	if sleepErr != nil {
		a.evict(w.key)
		return
	}
	_ = a.clock.Sleep(a.ctx, a.retention)
	a.evict(w.key)
}

func (a *WindowArena) evict(key models.WindowKey) {
	a.mu.Lock()
	delete(a.windows, key)
	a.mu.Unlock()
}

// Dispatch routes t to every open window of its instrument that contains
// its timestamp and returns how many took it
func (a *WindowArena) Dispatch(t models.Tick) int {
	a.mu.RLock()
	targets := make([]*Window, 0, len(a.open[t.Instrument]))
	for _, w := range a.open[t.Instrument] {
		targets = append(targets, w)
	}
	a.mu.RUnlock()

	n := 0
	for _, w := range targets {
		if w.add(t) {
			n++
		}
	}
	return n
}

// Interrupt marks the open windows of instrument as incomplete
func (a *WindowArena) Interrupt(instrument string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, w := range a.open[instrument] {
		w.interrupt()
	}
}

// InterruptAll marks every open window as incomplete
func (a *WindowArena) InterruptAll() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, byKey := range a.open {
		for _, w := range byKey {
			w.interrupt()
			n++
		}
	}
	return n
}

// Lookup returns the window for key if it is still held
func (a *WindowArena) Lookup(key models.WindowKey) (*Window, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.windows[key]
	return w, ok
}

// Stats counts open and retained windows
func (a *WindowArena) Stats() ArenaStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	open := 0
	for _, byKey := range a.open {
		open += len(byKey)
	}
	return ArenaStats{Open: open, Sealed: len(a.windows) - open}
}

// Wait blocks until every window owner has exited
func (a *WindowArena) Wait() {
	a.wg.Wait()
}
