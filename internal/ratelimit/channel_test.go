package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trade-footprint/pkg/models"
)

type pageCall struct {
	instrument string
	start, end time.Time
	limit      int
}

// fakeTrades serves trades from an in-memory tape the way the exchange does:
// ascending, filtered by [start, end], truncated to limit.
type fakeTrades struct {
	mu      sync.Mutex
	tape    []models.Tick
	calls   []pageCall
	errFor  map[string]error
	overlap bool
	always  bool
}

func (f *fakeTrades) FetchTradesPage(ctx context.Context, instrument string, start, end time.Time, limit int) ([]models.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pageCall{instrument, start, end, limit})

	if err := f.errFor[instrument]; err != nil {
		return nil, err
	}
	if f.always {
		out := make([]models.Tick, limit)
		for i := range out {
			out[i] = models.Tick{ID: int64(len(f.calls)*limit + i), Price: 1, Quantity: 1, Timestamp: start}
		}
		return out, nil
	}

	var out []models.Tick
	for i, t := range f.tape {
		if t.Timestamp.Before(start) || t.Timestamp.After(end) {
			continue
		}
		// re-send the previous trade to simulate an overlapping page
		if f.overlap && len(out) == 0 && i > 0 && len(f.calls) > 1 {
			out = append(out, f.tape[i-1])
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func tape(start time.Time, n int) []models.Tick {
	out := make([]models.Tick, n)
	for i := range out {
		out[i] = models.Tick{
			ID:        int64(1000 + i),
			Price:     100 + float64(i%5),
			Quantity:  1,
			Timestamp: start.Add(time.Duration(i) * 10 * time.Second),
		}
	}
	return out
}

func newTestChannel(clock Clock, fetcher PageFetcher, pageLimit, maxPages int) *Channel {
	l := newTestLimiter(clock, Config{MinDelay: 250 * time.Millisecond, MaxBackoff: 10 * time.Second, HourlyMax: 1000})
	return NewChannel(l, fetcher, nil, ChannelConfig{PageLimit: pageLimit, MaxPages: maxPages}, quietLog())
}

func TestFetchTradesPaginates(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{tape: tape(start, 10)}
	ch := newTestChannel(clock, f, 4, 20)

	got, err := ch.FetchTrades(context.Background(), "BTCUSDT", start, start.Add(15*time.Minute), 0)
	require.NoError(t, err)

	require.Len(t, got, 10)
	for i, tk := range got {
		assert.Equal(t, int64(1000+i), tk.ID)
		assert.Equal(t, "BTCUSDT", tk.Instrument)
	}

	// pages of 4, 4, then a short page of 2 ends pagination
	require.Len(t, f.calls, 3)
	assert.Equal(t, start, f.calls[0].start)
	assert.Equal(t, start.Add(30*time.Second+time.Millisecond), f.calls[1].start)
	assert.Equal(t, start.Add(70*time.Second+time.Millisecond), f.calls[2].start)
	for _, c := range f.calls {
		assert.Equal(t, 4, c.limit)
	}

	// each page waited its turn in the limiter
	assert.Len(t, clock.sleeps, 2)
}

func TestFetchTradesDeduplicatesOverlappingPages(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{tape: tape(start, 9), overlap: true}
	ch := newTestChannel(clock, f, 3, 20)

	got, err := ch.FetchTrades(context.Background(), "ETHUSDT", start, start.Add(5*time.Minute), 0)
	require.NoError(t, err)

	ids := make(map[int64]int)
	for _, tk := range got {
		ids[tk.ID]++
	}
	assert.Len(t, ids, 9)
	for id, n := range ids {
		assert.Equal(t, 1, n, "trade %d duplicated", id)
	}
}

func TestFetchTradesStopsOnEmptyPage(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{tape: tape(start, 4)}
	ch := newTestChannel(clock, f, 4, 20)

	got, err := ch.FetchTrades(context.Background(), "BTCUSDT", start, start.Add(5*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	// a full page forces one more request, which comes back empty
	assert.Len(t, f.calls, 2)
}

func TestFetchTradesStopsAtMaxPages(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{always: true}
	ch := newTestChannel(clock, f, 5, 3)

	got, err := ch.FetchTrades(context.Background(), "BTCUSDT", start, start.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, f.calls, 3)
	assert.Len(t, got, 15)
}

func TestFetchTradesSplitsLongWindows(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{}
	ch := newTestChannel(clock, f, 1000, 20)

	end := start.Add(3*time.Hour - time.Millisecond)
	_, err := ch.FetchTrades(context.Background(), "BTCUSDT", start, end, 0)
	require.NoError(t, err)

	require.Len(t, f.calls, 3)
	for i, c := range f.calls {
		assert.Less(t, c.end.Sub(c.start), time.Hour)
		assert.Equal(t, start.Add(time.Duration(i)*time.Hour), c.start)
	}
	assert.Equal(t, end, f.calls[2].end)
}

func TestFetchTradesFailsWholeWindowOnPageError(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{errFor: map[string]error{"BTCUSDT": errors.New("connection reset")}}
	ch := newTestChannel(clock, f, 1000, 20)

	got, err := ch.FetchTrades(context.Background(), "BTCUSDT", start, start.Add(time.Minute), 0)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestFetchTradesRejectsInvertedWindow(t *testing.T) {
	clock := newFakeClock()
	ch := newTestChannel(clock, &fakeTrades{}, 1000, 20)

	_, err := ch.FetchTrades(context.Background(), "BTCUSDT", clock.Now(), clock.Now().Add(-time.Minute), 0)
	assert.Error(t, err)
}

func TestFetchBatchAbortsOnBan(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{
		tape:   tape(start, 3),
		errFor: map[string]error{"SOLUSDT": &BanError{Until: start.Add(time.Hour)}},
	}
	ch := newTestChannel(clock, f, 1000, 20)

	reqs := []WindowRequest{
		{Instrument: "BTCUSDT", Start: start, End: start.Add(time.Minute)},
		{Instrument: "ETHUSDT", Start: start, End: start.Add(time.Minute)},
		{Instrument: "SOLUSDT", Start: start, End: start.Add(time.Minute)},
		{Instrument: "XRPUSDT", Start: start, End: start.Add(time.Minute)},
		{Instrument: "ADAUSDT", Start: start, End: start.Add(time.Minute)},
	}
	results := ch.FetchBatch(context.Background(), reqs)
	require.Len(t, results, 5)

	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Ticks, 3)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrBanned)
	assert.False(t, results[2].Skipped)
	for _, r := range results[3:] {
		assert.True(t, r.Skipped)
		assert.ErrorIs(t, r.Err, ErrBanned)
	}

	var instruments []string
	for _, c := range f.calls {
		instruments = append(instruments, c.instrument)
	}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, instruments)
}

func TestFetchBatchContinuesAfterOrdinaryError(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeTrades{
		tape:   tape(start, 2),
		errFor: map[string]error{"ETHUSDT": errors.New("bad symbol")},
	}
	ch := newTestChannel(clock, f, 1000, 20)

	results := ch.FetchBatch(context.Background(), []WindowRequest{
		{Instrument: "ETHUSDT", Start: start, End: start.Add(time.Minute)},
		{Instrument: "BTCUSDT", Start: start, End: start.Add(time.Minute)},
	})
	assert.ErrorIs(t, results[0].Err, ErrUpstream)
	assert.NoError(t, results[1].Err)
	assert.Len(t, results[1].Ticks, 2)
}

type fakeKlines struct {
	calls int
}

func (f *fakeKlines) FetchKlinesPage(ctx context.Context, instrument, interval string, start, end time.Time, limit int) ([]models.Candle, error) {
	f.calls++
	var out []models.Candle
	for ts := start; !ts.After(end) && len(out) < limit; ts = ts.Add(time.Minute) {
		out = append(out, models.Candle{
			Instrument: instrument,
			Interval:   interval,
			OpenTime:   ts,
			CloseTime:  ts.Add(time.Minute - time.Millisecond),
			Closed:     true,
		})
	}
	return out, nil
}

func TestFetchKlines(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	l := newTestLimiter(clock, Config{MinDelay: time.Millisecond, MaxBackoff: time.Second, HourlyMax: 100})
	k := &fakeKlines{}
	ch := NewChannel(l, &fakeTrades{}, k, ChannelConfig{}, quietLog())

	got, err := ch.FetchKlines(context.Background(), "BTCUSDT", "1m", start, start.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, 1, k.calls)

	_, err = NewChannel(l, &fakeTrades{}, nil, ChannelConfig{}, quietLog()).
		FetchKlines(context.Background(), "BTCUSDT", "1m", start, start.Add(time.Minute))
	assert.Error(t, err)
}
