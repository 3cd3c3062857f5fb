// Package symbols keeps the streamed instrument set in step with the
// instrument table.
package symbols

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/pkg/models"
)

// Source lists the instruments that should be tracked
type Source interface {
	GetInstruments(ctx context.Context, activeOnly bool) ([]models.InstrumentInfo, error)
}

// Target is the set of live subscriptions, normally the stream hub
type Target interface {
	Symbols() []string
	UpdateSymbols(symbols []string) (added, removed []string, err error)
}

// Registry persists the subscription set across restarts
type Registry interface {
	AddInstruments(ctx context.Context, symbols ...string) error
	RemoveInstruments(ctx context.Context, symbols ...string) error
}

// TickSizeSetter receives exchange tick sizes
type TickSizeSetter interface {
	Set(instrument string, size float64)
}

// Config tunes the synchronizer
type Config struct {
	Interval               time.Duration
	SignificantChangeRatio float64
	Bootstrap              []string
}

// Result describes one synchronization pass
type Result struct {
	Desired []string `json:"desired"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Ratio   float64  `json:"ratio"`
	Applied bool     `json:"applied"`
}

// Syncer polls the instrument table and applies the difference to the
// subscription set when it is large enough to be worth the churn.
type Syncer struct {
	cfg       Config
	source    Source
	target    Target
	registry  Registry
	tickSizes TickSizeSetter
	logger    *logrus.Entry

	mu       sync.RWMutex
	last     Result
	lastSync time.Time
}

// NewSyncer creates a synchronizer. registry and tickSizes may be nil.
func NewSyncer(cfg Config, source Source, target Target, registry Registry, tickSizes TickSizeSetter, logger *logrus.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Syncer{
		cfg:       cfg,
		source:    source,
		target:    target,
		registry:  registry,
		tickSizes: tickSizes,
		logger:    logger.WithField("component", "symbols-syncer"),
	}
}

// Run syncs once immediately and then every Interval until ctx is done
func (s *Syncer) Run(ctx context.Context) {
	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial instrument sync failed")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Failed to sync instruments")
			}
		}
	}
}

// SyncOnce performs one pass. The diff is applied when
// changed/max(len(current),1) reaches the configured ratio, or when nothing
// is subscribed yet.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	instruments, err := s.source.GetInstruments(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("load instruments: %w", err)
	}

	desiredSet := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		sym := strings.ToUpper(inst.Symbol)
		desiredSet[sym] = struct{}{}
		if s.tickSizes != nil && inst.TickSize > 0 {
			s.tickSizes.Set(sym, inst.TickSize)
		}
	}
	if len(desiredSet) == 0 {
		for _, sym := range s.cfg.Bootstrap {
			desiredSet[strings.ToUpper(sym)] = struct{}{}
		}
	}

	current := s.target.Symbols()
	currentSet := make(map[string]struct{}, len(current))
	for _, sym := range current {
		currentSet[sym] = struct{}{}
	}

	res := Result{Desired: sortedKeys(desiredSet)}
	for sym := range desiredSet {
		if _, ok := currentSet[sym]; !ok {
			res.Added = append(res.Added, sym)
		}
	}
	for sym := range currentSet {
		if _, ok := desiredSet[sym]; !ok {
			res.Removed = append(res.Removed, sym)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)

	changed := len(res.Added) + len(res.Removed)
	res.Ratio = float64(changed) / math.Max(float64(len(current)), 1)

	log := s.logger.WithFields(logrus.Fields{
		"current": len(current),
		"desired": len(res.Desired),
		"added":   len(res.Added),
		"removed": len(res.Removed),
		"ratio":   res.Ratio,
	})

	switch {
	case changed == 0:
	case len(current) == 0 || res.Ratio >= s.cfg.SignificantChangeRatio:
		added, removed, err := s.target.UpdateSymbols(res.Desired)
		if err != nil {
			log.WithError(err).Warn("Subscription update partially failed")
		}
		res.Added, res.Removed, res.Applied = added, removed, true
		s.persist(ctx, added, removed)
		log.Info("Applied instrument set change")
	default:
		log.Debug("Instrument set change below threshold, skipping")
	}

	s.mu.Lock()
	s.last = res
	s.lastSync = time.Now()
	s.mu.Unlock()
	return res, nil
}

func (s *Syncer) persist(ctx context.Context, added, removed []string) {
	if s.registry == nil {
		return
	}
	if err := s.registry.AddInstruments(ctx, added...); err != nil {
		s.logger.WithError(err).Warn("Failed to persist added instruments")
	}
	if err := s.registry.RemoveInstruments(ctx, removed...); err != nil {
		s.logger.WithError(err).Warn("Failed to persist removed instruments")
	}
}

// Last returns the outcome of the most recent pass and when it ran
func (s *Syncer) Last() (Result, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.lastSync
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
