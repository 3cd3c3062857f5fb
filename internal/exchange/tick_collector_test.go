package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aggTradeFrame(symbol string, id int64, price, qty string, ts time.Time) string {
	return fmt.Sprintf(`{"e":"aggTrade","E":%d,"s":"%s","a":%d,"p":"%s","q":"%s","f":%d,"l":%d,"T":%d,"m":true}`,
		ts.UnixMilli(), symbol, id, price, qty, id*10, id*10+2, ts.UnixMilli())
}

func newTestTickCollector(t *testing.T, ctx context.Context, d Dialer, clock *testClock, arm ...string) (*TickCollector, *countingProfile) {
	t.Helper()
	p := &countingProfile{}
	streamCfg := testStreamConfig()
	streamCfg.Silence = time.Hour
	c, err := NewTickCollector(ctx, TickCollectorConfig{
		Stream:       streamCfg,
		Grace:        testGrace,
		Retention:    time.Minute,
		ArmIntervals: arm,
		ArmEvery:     5 * time.Millisecond,
	}, d, p.compute, clock, quietLogger())
	require.NoError(t, err)
	return c, p
}

func TestTickCollectorBuffersArmedWindow(t *testing.T) {
	clock := newTestClock(false)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, p := newTestTickCollector(t, ctx, &fakeDialer{script: []dialStep{{conn: conn}}}, clock, "1m")
	require.NoError(t, c.Subscribe("btcusdt"))
	runInBackground(t, c.Run)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"btcusdt@aggTrade"}, conn.subscribed())

	since, ok := c.ActiveSince()
	require.True(t, ok)
	assert.Equal(t, t0, since)

	// the next minute is armed ahead of time
	start, end := t0.Add(time.Minute), t0.Add(2*time.Minute-time.Millisecond)
	require.Eventually(t, func() bool { return c.Stats().Windows.Open == 1 }, time.Second, time.Millisecond)

	conn.send(`{"result":null,"id":1}`)
	conn.send(aggTradeFrame("BTCUSDT", 1, "100.0", "5", start.Add(time.Second)))
	conn.send(aggTradeFrame("BTCUSDT", 2, "101.0", "20", start.Add(30*time.Second)))
	conn.send(aggTradeFrame("BTCUSDT", 3, "102.0", "3", end.Add(time.Millisecond)))
	conn.send(aggTradeFrame("ETHUSDT", 4, "3000.0", "1", start.Add(time.Second)))
	conn.send(`{"e":"aggTrade","s":"BTCUSDT","a":5,"p":"abc","q":"1","T":1}`)

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Buffered == 2 && s.Discarded == 2 && s.Invalid == 1
	}, time.Second, time.Millisecond)

	clock.Advance(2*time.Minute + testGrace)

	res, err := c.Collect(context.Background(), "BTCUSDT", start, end, "1m", false)
	require.NoError(t, err)
	require.Len(t, res.Ticks, 2)
	assert.Equal(t, 100.0, res.Ticks[0].Price)
	assert.Equal(t, 20.0, res.Ticks[1].Quantity)
	assert.True(t, res.Ticks[0].IsMaker)
	assert.Equal(t, int64(10), res.Ticks[0].FirstSeqID)
	assert.Equal(t, int32(1), p.calls.Load())

	// a second caller gets the same result without recomputing
	again, err := c.AwaitWindow(context.Background(), "BTCUSDT", start, end)
	require.NoError(t, err)
	assert.Equal(t, res.Profile, again.Profile)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestTickCollectorCollectRejections(t *testing.T) {
	clock := newTestClock(false)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, _ := newTestTickCollector(t, ctx, &fakeDialer{script: []dialStep{{conn: conn}}}, clock)
	require.NoError(t, c.Subscribe("BTCUSDT"))
	runInBackground(t, c.Run)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	_, err := c.Collect(ctx, "ETHUSDT", t0, t0.Add(time.Minute), "1m", false)
	assert.ErrorIs(t, err, ErrNotSubscribed)

	_, err = c.Collect(ctx, "BTCUSDT", t0.Add(time.Minute), t0, "1m", false)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = c.Collect(ctx, "BTCUSDT", t0.Add(-time.Hour), t0.Add(-59*time.Minute), "1m", true)
	assert.ErrorIs(t, err, ErrNotBuffered)

	clock.Advance(10 * time.Second)
	_, err = c.Collect(ctx, "BTCUSDT", t0, t0.Add(time.Minute-time.Millisecond), "1m", false)
	assert.ErrorIs(t, err, ErrNotBuffered, "a window that already started cannot be complete")
}

func TestTickCollectorPartialWindowOnlyWhenAllowed(t *testing.T) {
	clock := newTestClock(false)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, _ := newTestTickCollector(t, ctx, &fakeDialer{script: []dialStep{{conn: conn}}}, clock)
	require.NoError(t, c.Subscribe("BTCUSDT"))
	runInBackground(t, c.Run)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	clock.Advance(10 * time.Second)
	start, end := t0, t0.Add(time.Minute-time.Millisecond)

	type out struct {
		res WindowResult
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := c.Collect(ctx, "BTCUSDT", start, end, "1m", true)
		done <- out{res, err}
	}()

	require.Eventually(t, func() bool { return c.Stats().Windows.Open == 1 }, time.Second, time.Millisecond)
	conn.send(aggTradeFrame("BTCUSDT", 7, "100.5", "2", t0.Add(20*time.Second)))
	require.Eventually(t, func() bool { return c.Stats().Buffered == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Minute)
	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Partial)
	assert.Len(t, got.res.Ticks, 1)

	_, err := c.Collect(ctx, "BTCUSDT", start, end, "1m", false)
	assert.ErrorIs(t, err, ErrNotBuffered)
}

func TestTickCollectorDropInterruptsWindows(t *testing.T) {
	clock := newTestClock(false)
	c1, c2 := newFakeConn(), newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, _ := newTestTickCollector(t, ctx, &fakeDialer{script: []dialStep{{conn: c1}, {conn: c2}}}, clock)
	require.NoError(t, c.Subscribe("BTCUSDT"))
	require.NoError(t, c.Subscribe("ETHUSDT"))
	runInBackground(t, c.Run)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	start, end := t0.Add(time.Minute), t0.Add(2*time.Minute-time.Millisecond)
	w, err := c.StartWindow("BTCUSDT", start, end, "1m")
	require.NoError(t, err)

	c1.drop()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)

	clock.Advance(2*time.Minute + testGrace)
	_, err = w.Await(context.Background())
	assert.ErrorIs(t, err, ErrWindowInterrupted)

	// subscriptions are replayed on the new connection
	require.Eventually(t, func() bool { return len(c2.subscribed()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"btcusdt@aggTrade", "ethusdt@aggTrade"}, c2.subscribed())
	assert.Equal(t, int64(1), c.Stats().Reconnects)
}

func TestTickCollectorUnsubscribe(t *testing.T) {
	clock := newTestClock(false)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, _ := newTestTickCollector(t, ctx, &fakeDialer{script: []dialStep{{conn: conn}}}, clock)
	runInBackground(t, c.Run)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	require.NoError(t, c.Subscribe("SOLUSDT"))
	require.NoError(t, c.Subscribe("SOLUSDT"))
	w, err := c.StartWindow("SOLUSDT", t0.Add(time.Minute), t0.Add(2*time.Minute), "1m")
	require.NoError(t, err)

	require.NoError(t, c.Unsubscribe("solusdt"))
	assert.False(t, c.IsSubscribed("SOLUSDT"))

	writes := conn.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "SUBSCRIBE", writes[0].Method)
	assert.Equal(t, "UNSUBSCRIBE", writes[1].Method)
	assert.Equal(t, []string{"solusdt@aggTrade"}, writes[1].Params)

	clock.Advance(3 * time.Minute)
	_, err = w.Await(context.Background())
	assert.ErrorIs(t, err, ErrWindowInterrupted)
}
