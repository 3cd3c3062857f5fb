// Package router decides, per requested window, whether ticks come from the
// live stream buffer or from the throttled historical channel.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

// ErrInvalidWindow is returned for an empty or inverted range
var ErrInvalidWindow = exchange.ErrInvalidWindow

// StreamSource is the live tick buffer
type StreamSource interface {
	ActiveSince() (time.Time, bool)
	IsSubscribed(instrument string) bool
	Collect(ctx context.Context, instrument string, start, end time.Time, interval string, allowPartial bool) (exchange.WindowResult, error)
}

// HistorySource is the throttled historical channel
type HistorySource interface {
	FetchTrades(ctx context.Context, instrument string, start, end time.Time, limit int) ([]models.Tick, error)
}

// Result is the tick set for one window and where it came from. Profile is
// set when the stream already aggregated the window.
type Result struct {
	Ticks   []models.Tick
	Source  string
	Profile *models.VolumeProfile
}

// FallbackError is returned when both paths failed
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%v (fallback: %v)", e.Primary, e.Fallback)
}

// Unwrap exposes both failures to errors.Is and errors.As
func (e *FallbackError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// Stats counts routing outcomes
type Stats struct {
	Stream    int64 `json:"stream"`
	REST      int64 `json:"rest"`
	Fallbacks int64 `json:"fallbacks"`
	Failures  int64 `json:"failures"`
}

// Router picks a source per window and falls back at most once
type Router struct {
	stream  StreamSource
	history HistorySource
	log     *logrus.Entry

	viaStream atomic.Int64
	viaREST   atomic.Int64
	fallbacks atomic.Int64
	failures  atomic.Int64
}

// New creates a router. stream may be nil when only history is available.
func New(stream StreamSource, history HistorySource, logger *logrus.Logger) *Router {
	return &Router{
		stream:  stream,
		history: history,
		log:     logger.WithField("component", "router"),
	}
}

type attempt func(ctx context.Context) (Result, error)

type fallbackAttempt func(ctx context.Context, cause error) (Result, error)

// withFallback runs primary and, on a soft failure, fallback exactly once
func withFallback(primary attempt, fallback fallbackAttempt, onFallback func(error)) attempt {
	return func(ctx context.Context) (Result, error) {
		res, err := primary(ctx)
		if err == nil || isHard(err) || fallback == nil {
			return res, err
		}
		onFallback(err)
		res, ferr := fallback(ctx, err)
		if ferr != nil {
			return Result{}, &FallbackError{Primary: err, Fallback: ferr}
		}
		return res, nil
	}
}

// isHard reports errors that must not trigger a fallback
func isHard(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, exchange.ErrWindowAborted)
}

// FetchTicks returns the ticks of instrument in [start, end]. The stream is
// preferred when it has been up since before start; otherwise the
// historical channel is used. The two are never queried concurrently.
func (r *Router) FetchTicks(ctx context.Context, instrument string, start, end time.Time, interval string) (Result, error) {
	if !end.After(start) {
		return Result{}, ErrInvalidWindow
	}
	instrument = strings.ToUpper(instrument)

	log := r.log.WithFields(logrus.Fields{
		"instrument": instrument,
		"interval":   interval,
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
	})

	fromStream := func(allowPartial bool, source string) attempt {
		return func(ctx context.Context) (Result, error) {
			res, err := r.stream.Collect(ctx, instrument, start, end, interval, allowPartial)
			if err != nil {
				return Result{}, err
			}
			p := res.Profile
			p.DataSource = source
			return Result{Ticks: res.Ticks, Source: source, Profile: &p}, nil
		}
	}
	fromHistory := func(ctx context.Context) (Result, error) {
		ticks, err := r.history.FetchTrades(ctx, instrument, start, end, 0)
		if err != nil {
			return Result{}, err
		}
		return Result{Ticks: ticks, Source: models.SourceREST}, nil
	}

	var plan attempt
	if r.streamCovers(instrument, start) {
		plan = withFallback(
			fromStream(false, models.SourceStream),
			func(ctx context.Context, _ error) (Result, error) { return fromHistory(ctx) },
			func(err error) {
				r.fallbacks.Add(1)
				log.WithError(err).Info("Stream path failed, falling back to REST")
			},
		)
	} else {
		var fallback fallbackAttempt
		if r.stream != nil {
			fallback = func(ctx context.Context, cause error) (Result, error) {
				// a ban leaves only real-time data, so accept whatever the stream saw
				partial := errors.Is(cause, ratelimit.ErrBanned)
				return fromStream(partial, models.SourceStreamFallback)(ctx)
			}
		}
		plan = withFallback(
			fromHistory,
			fallback,
			func(err error) {
				r.fallbacks.Add(1)
				log.WithError(err).Warn("REST path failed, falling back to stream")
			},
		)
	}

	res, err := plan(ctx)
	if err != nil {
		r.failures.Add(1)
		log.WithError(err).Warn("No tick source could serve window")
		return Result{}, err
	}
	if res.Source == models.SourceREST {
		r.viaREST.Add(1)
	} else {
		r.viaStream.Add(1)
	}
	log.WithFields(logrus.Fields{"source": res.Source, "ticks": len(res.Ticks)}).Debug("Window served")
	return res, nil
}

// streamCovers reports whether the stream has been connected since before start
func (r *Router) streamCovers(instrument string, start time.Time) bool {
	if r.stream == nil || !r.stream.IsSubscribed(instrument) {
		return false
	}
	since, ok := r.stream.ActiveSince()
	return ok && !start.Before(since)
}

// Stats returns routing counters
func (r *Router) Stats() Stats {
	return Stats{
		Stream:    r.viaStream.Load(),
		REST:      r.viaREST.Load(),
		Fallbacks: r.fallbacks.Load(),
		Failures:  r.failures.Load(),
	}
}
