// Package ratelimit serializes historical requests to the exchange so that a
// burst of work can never get the process banned.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock abstracts time so tests can simulate hours instantly
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock returns the wall clock
func RealClock() Clock { return realClock{} }

// Config holds the limiter policy
type Config struct {
	MinDelay   time.Duration
	MaxBackoff time.Duration
	DefaultBan time.Duration
	HourlyMax  int
	Window     time.Duration
}

// State is a point-in-time copy of the limiter's bookkeeping
type State struct {
	LastRequestAt     time.Time     `json:"lastRequestAt"`
	RequestsInWindow  int           `json:"requestsInWindow"`
	WindowResetAt     time.Time     `json:"windowResetAt"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	BackoffDelay      time.Duration `json:"backoffDelay"`
	BannedUntil       time.Time     `json:"bannedUntil"`
}

// Limiter lets one request through at a time, spaced by at least
// max(MinDelay, backoff), within a rolling hourly quota, and refuses all
// requests while an upstream ban is active.
type Limiter struct {
	cfg   Config
	clock Clock
	log   *logrus.Entry

	// sem is held across "wait, then send" so requests never overlap
	sem chan struct{}

	mu                sync.Mutex
	lastRequestAt     time.Time
	sent              []time.Time
	consecutiveErrors int
	backoff           time.Duration
	bannedUntil       time.Time
	onChange          func(State)
}

// NewLimiter creates a limiter. A nil clock means the wall clock.
func NewLimiter(cfg Config, clock Clock, log *logrus.Entry) *Limiter {
	if clock == nil {
		clock = realClock{}
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MaxBackoff < cfg.MinDelay {
		cfg.MaxBackoff = cfg.MinDelay
	}
	if cfg.DefaultBan <= 0 {
		cfg.DefaultBan = 15 * time.Minute
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock,
		log:     log.WithField("component", "ratelimit"),
		sem:     make(chan struct{}, 1),
		backoff: cfg.MinDelay,
	}
}

// OnBanChange registers a hook that receives the state whenever a ban starts
// or ends. The hook runs synchronously and must not call back into the
// limiter.
func (l *Limiter) OnBanChange(fn func(State)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Do runs fn once the limiter admits it. It fails fast with *BanError or
// *QuotaError instead of waiting out a ban or an exhausted window.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	wait, err := l.admit()
	if err != nil {
		return err
	}
	if wait > 0 {
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.mu.Lock()
	now := l.clock.Now()
	l.lastRequestAt = now
	l.sent = append(l.sent, now)
	l.mu.Unlock()

	return l.record(fn(ctx))
}

// admit checks the ban and quota and returns how long to wait before sending
func (l *Limiter) admit() (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	if !l.bannedUntil.IsZero() {
		if now.Before(l.bannedUntil) {
			return 0, &BanError{Until: l.bannedUntil}
		}
		l.log.WithField("banned_until", l.bannedUntil).Info("Upstream ban expired, resuming requests")
		l.bannedUntil = time.Time{}
		l.consecutiveErrors = 0
		l.backoff = l.cfg.MinDelay
		l.notify()
	}

	l.prune(now)
	if len(l.sent) >= l.cfg.HourlyMax {
		return 0, &QuotaError{
			Used:    len(l.sent),
			Limit:   l.cfg.HourlyMax,
			RetryAt: l.sent[0].Add(l.cfg.Window),
		}
	}

	if l.lastRequestAt.IsZero() {
		return 0, nil
	}
	gap := l.cfg.MinDelay
	if l.backoff > gap {
		gap = l.backoff
	}
	return gap - now.Sub(l.lastRequestAt), nil
}

func (l *Limiter) record(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		l.consecutiveErrors = 0
		l.backoff = l.cfg.MinDelay
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	l.consecutiveErrors++
	l.grow(0)

	var ban *BanError
	if errors.As(err, &ban) {
		until := ban.Until
		if until.IsZero() || !until.After(l.clock.Now()) {
			until = l.clock.Now().Add(l.cfg.DefaultBan)
		}
		l.bannedUntil = until
		l.log.WithFields(logrus.Fields{
			"banned_until": until.UTC().Format(time.RFC3339),
			"reason":       ban.Reason,
		}).Error("Upstream ban detected, circuit open")
		l.notify()
		return &BanError{Until: until, Reason: ban.Reason}
	}

	var throttle *ThrottleError
	if errors.As(err, &throttle) {
		l.grow(throttle.RetryAfter)
	}

	l.log.WithFields(logrus.Fields{
		"consecutive_errors": l.consecutiveErrors,
		"backoff":            l.backoff.String(),
	}).WithError(err).Warn("Historical request failed")

	return &UpstreamError{Err: err}
}

// grow doubles the backoff, or raises it to at least floor, capped at MaxBackoff
func (l *Limiter) grow(floor time.Duration) {
	next := l.backoff * 2
	if floor > next {
		next = floor
	}
	if next > l.cfg.MaxBackoff {
		next = l.cfg.MaxBackoff
	}
	if next > l.backoff {
		l.backoff = next
	}
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}
}

func (l *Limiter) snapshotLocked() State {
	s := State{
		LastRequestAt:     l.lastRequestAt,
		RequestsInWindow:  len(l.sent),
		ConsecutiveErrors: l.consecutiveErrors,
		BackoffDelay:      l.backoff,
		BannedUntil:       l.bannedUntil,
	}
	if len(l.sent) > 0 {
		s.WindowResetAt = l.sent[0].Add(l.cfg.Window)
	}
	return s
}

func (l *Limiter) notify() {
	if l.onChange != nil {
		l.onChange(l.snapshotLocked())
	}
}

// Snapshot returns the current state
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return l.snapshotLocked()
}

// Restore reapplies a persisted ban and backoff, typically after a restart.
// Expired bans are ignored.
func (l *Limiter) Restore(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.BannedUntil.After(l.clock.Now()) {
		l.bannedUntil = s.BannedUntil
		l.log.WithField("banned_until", s.BannedUntil.UTC().Format(time.RFC3339)).
			Warn("Restored active upstream ban")
	}
	if s.BackoffDelay > l.backoff {
		l.backoff = s.BackoffDelay
		if l.backoff > l.cfg.MaxBackoff {
			l.backoff = l.cfg.MaxBackoff
		}
	}
	l.consecutiveErrors = s.ConsecutiveErrors
}

// Banned reports whether the circuit is currently open
func (l *Limiter) Banned() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bannedUntil.IsZero() || !l.clock.Now().Before(l.bannedUntil) {
		return false, time.Time{}
	}
	return true, l.bannedUntil
}
