package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Hub runs the trade and candle collectors side by side and keeps their
// subscription sets in step. Each collector owns its own connection, so a
// reconnect on one never blocks the other.
type Hub struct {
	ticks   *TickCollector
	candles *CandleCollector
	logger  *logrus.Entry

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.RWMutex
	symbols map[string]struct{}

	statsEvery time.Duration
}

// HubStats contains hub statistics
type HubStats struct {
	Symbols int                  `json:"symbols"`
	Ticks   TickCollectorStats   `json:"ticks"`
	Candles CandleCollectorStats `json:"candles"`
}

// NewHub creates a hub over both collectors
func NewHub(ticks *TickCollector, candles *CandleCollector, logger *logrus.Logger) *Hub {
	return &Hub{
		ticks:      ticks,
		candles:    candles,
		logger:     logger.WithField("component", "hub"),
		symbols:    make(map[string]struct{}),
		statsEvery: time.Minute,
	}
}

// Start launches both collectors. They stop when ctx is cancelled; call
// Wait to block until they have.
func (h *Hub) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("hub already running")
	}

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		h.ticks.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.candles.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.reportStatistics(ctx)
	}()

	h.logger.WithField("symbols", len(h.Symbols())).Info("Stream hub started")
	return nil
}

// Wait blocks until both collectors have exited
func (h *Hub) Wait() {
	h.wg.Wait()
	h.running.Store(false)
	h.logger.Info("Stream hub stopped")
}

// AddSymbol subscribes symbol on both streams
func (h *Hub) AddSymbol(symbol string) error {
	symbol = strings.ToUpper(symbol)
	if err := h.ticks.Subscribe(symbol); err != nil {
		return fmt.Errorf("subscribe trades %s: %w", symbol, err)
	}
	if err := h.candles.Subscribe(symbol); err != nil {
		return fmt.Errorf("subscribe candles %s: %w", symbol, err)
	}
	h.mu.Lock()
	h.symbols[symbol] = struct{}{}
	h.mu.Unlock()
	return nil
}

// RemoveSymbol unsubscribes symbol from both streams
func (h *Hub) RemoveSymbol(symbol string) error {
	symbol = strings.ToUpper(symbol)
	h.mu.Lock()
	delete(h.symbols, symbol)
	h.mu.Unlock()

	if err := h.ticks.Unsubscribe(symbol); err != nil {
		return fmt.Errorf("unsubscribe trades %s: %w", symbol, err)
	}
	if err := h.candles.Unsubscribe(symbol); err != nil {
		return fmt.Errorf("unsubscribe candles %s: %w", symbol, err)
	}
	return nil
}

// UpdateSymbols applies the difference between the current set and symbols
func (h *Hub) UpdateSymbols(symbols []string) (added, removed []string, err error) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = struct{}{}
	}

	current := h.Symbols()
	for _, s := range current {
		if _, ok := want[s]; !ok {
			removed = append(removed, s)
		}
	}
	have := make(map[string]struct{}, len(current))
	for _, s := range current {
		have[s] = struct{}{}
	}
	for s := range want {
		if _, ok := have[s]; !ok {
			added = append(added, s)
		}
	}
	sort.Strings(added)

	for _, s := range removed {
		if err := h.RemoveSymbol(s); err != nil {
			return added, removed, err
		}
	}
	for _, s := range added {
		if err := h.AddSymbol(s); err != nil {
			return added, removed, err
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		h.logger.WithFields(logrus.Fields{
			"added":   added,
			"removed": removed,
		}).Info("Stream subscriptions updated")
	}
	return added, removed, nil
}

// Symbols returns the subscribed symbols, sorted
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.symbols))
	for s := range h.symbols {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Ticks returns the trade collector
func (h *Hub) Ticks() *TickCollector { return h.ticks }

// Candles returns the candle collector
func (h *Hub) Candles() *CandleCollector { return h.candles }

// GetStats returns hub statistics
func (h *Hub) GetStats() HubStats {
	return HubStats{
		Symbols: len(h.Symbols()),
		Ticks:   h.ticks.Stats(),
		Candles: h.candles.Stats(),
	}
}

func (h *Hub) reportStatistics(ctx context.Context) {
	ticker := time.NewTicker(h.statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := h.GetStats()
			h.logger.WithFields(logrus.Fields{
				"tick_state":        s.Ticks.State,
				"candle_state":      s.Candles.State,
				"ticks_buffered":    s.Ticks.Buffered,
				"ticks_discarded":   s.Ticks.Discarded,
				"windows_open":      s.Ticks.Windows.Open,
				"candles_closed":    s.Candles.Closed,
				"candle_reconnects": s.Candles.Reconnects,
			}).Info("Hub statistics")
		}
	}
}
