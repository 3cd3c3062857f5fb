package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLog() *logrus.Entry {
	log, _ := test.NewNullLogger()
	return logrus.NewEntry(log)
}

func newTestLimiter(clock Clock, cfg Config) *Limiter {
	return NewLimiter(cfg, clock, quietLog())
}

func TestLimiterSpacing(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: 250 * time.Millisecond, MaxBackoff: time.Second, HourlyMax: 1000})

	var sent []time.Time
	for i := 0; i < 20; i++ {
		err := l.Do(context.Background(), func(ctx context.Context) error {
			sent = append(sent, clock.Now())
			return nil
		})
		require.NoError(t, err)
	}

	require.Len(t, sent, 20)
	for i := 1; i < len(sent); i++ {
		assert.GreaterOrEqual(t, sent[i].Sub(sent[i-1]), 250*time.Millisecond)
	}
}

func TestLimiterHourlyQuotaFailsFast(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	l := newTestLimiter(clock, Config{MinDelay: time.Second, MaxBackoff: time.Minute, HourlyMax: 10})

	var ok, limited int
	for i := 0; i < 30; i++ {
		err := l.Do(context.Background(), func(ctx context.Context) error { return nil })
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRateLimited):
			limited++
			var qe *QuotaError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, start.Add(time.Hour), qe.RetryAt)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 20, limited)

	// fail-fast never sleeps past the spacing of the admitted requests
	assert.Equal(t, start.Add(9*time.Second), clock.Now())

	clock.Advance(time.Hour)
	assert.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestLimiterRollingHourNeverExceeded(t *testing.T) {
	clock := newFakeClock()
	const limit = 12
	l := newTestLimiter(clock, Config{MinDelay: time.Second, MaxBackoff: time.Minute, HourlyMax: limit})

	var sent []time.Time
	for i := 0; i < 400; i++ {
		clock.Advance(time.Duration(1+i%7) * time.Minute / 3)
		_ = l.Do(context.Background(), func(ctx context.Context) error {
			sent = append(sent, clock.Now())
			return nil
		})
	}

	require.NotEmpty(t, sent)
	for i := range sent {
		inWindow := 0
		for j := 0; j <= i; j++ {
			if sent[i].Sub(sent[j]) < time.Hour {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, limit, "requests in hour ending %s", sent[i])
	}
}

func TestLimiterBackoffDoublesAndResets(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: 100 * time.Millisecond, MaxBackoff: time.Second, HourlyMax: 1000})

	boom := errors.New("502 bad gateway")
	for i := 0; i < 5; i++ {
		err := l.Do(context.Background(), func(ctx context.Context) error { return boom })
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUpstream)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 5, l.Snapshot().ConsecutiveErrors)
	assert.Equal(t, time.Second, l.Snapshot().BackoffDelay)

	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))

	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		100 * time.Millisecond,
	}, clock.sleeps)
	assert.Equal(t, 0, l.Snapshot().ConsecutiveErrors)
	assert.Equal(t, 100*time.Millisecond, l.Snapshot().BackoffDelay)
}

func TestLimiterThrottleRaisesBackoff(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: 100 * time.Millisecond, MaxBackoff: time.Minute, HourlyMax: 1000})

	err := l.Do(context.Background(), func(ctx context.Context) error {
		return &ThrottleError{RetryAfter: 5 * time.Second, Err: errors.New("429")}
	})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrBanned)
	assert.Equal(t, 5*time.Second, l.Snapshot().BackoffDelay)
}

func TestLimiterBanCircuitBreaker(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: 100 * time.Millisecond, MaxBackoff: time.Second, HourlyMax: 1000})

	var changes []State
	l.OnBanChange(func(s State) { changes = append(changes, s) })

	bannedUntil := clock.Now().Add(10 * time.Minute)
	err := l.Do(context.Background(), func(ctx context.Context) error {
		return &BanError{Until: bannedUntil, Reason: "IP banned"}
	})
	require.ErrorIs(t, err, ErrBanned)
	require.Len(t, changes, 1)
	assert.Equal(t, bannedUntil, changes[0].BannedUntil)

	var calls int
	for i := 0; i < 9; i++ {
		clock.Advance(time.Minute)
		err := l.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		var ban *BanError
		require.ErrorAs(t, err, &ban)
		assert.Equal(t, bannedUntil, ban.Until)
	}
	assert.Zero(t, calls, "no request may leave while banned")
	banned, until := l.Banned()
	assert.True(t, banned)
	assert.Equal(t, bannedUntil, until)

	clock.Advance(time.Minute)
	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, l.Snapshot().ConsecutiveErrors)
	assert.True(t, l.Snapshot().BannedUntil.IsZero())
	require.Len(t, changes, 2)
	assert.True(t, changes[1].BannedUntil.IsZero())
}

func TestLimiterBanWithoutExpiryUsesDefault(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: time.Millisecond, MaxBackoff: time.Second, HourlyMax: 10, DefaultBan: 20 * time.Minute})

	now := clock.Now()
	err := l.Do(context.Background(), func(ctx context.Context) error { return &BanError{Reason: "418"} })

	var ban *BanError
	require.ErrorAs(t, err, &ban)
	assert.Equal(t, now.Add(20*time.Minute), ban.Until)
}

func TestLimiterRestore(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: time.Millisecond, MaxBackoff: time.Second, HourlyMax: 10})

	l.Restore(State{BannedUntil: clock.Now().Add(-time.Minute)})
	assert.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))

	l.Restore(State{BannedUntil: clock.Now().Add(time.Hour), BackoffDelay: time.Hour})
	assert.ErrorIs(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrBanned)
	assert.Equal(t, time.Second, l.Snapshot().BackoffDelay)
}

func TestLimiterNeverOverlapsRequests(t *testing.T) {
	l := NewLimiter(Config{MinDelay: time.Millisecond, MaxBackoff: 10 * time.Millisecond, HourlyMax: 1000}, nil, quietLog())

	var inflight, maxInflight int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inflight, 1)
				for {
					m := atomic.LoadInt32(&maxInflight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInflight, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inflight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInflight)
}

func TestLimiterCancelledWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{MinDelay: time.Second, MaxBackoff: time.Second, HourlyMax: 10})
	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, 0, l.Snapshot().ConsecutiveErrors)
}
