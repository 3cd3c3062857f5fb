package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trade-footprint/pkg/models"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]models.Candle
	err     error
}

func (w *recordingWriter) WriteCandles(ctx context.Context, candles []models.Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, candles)
	return nil
}

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func minuteCandle(i int) models.Candle {
	open := time.Date(2024, 6, 1, 12, i, 0, 0, time.UTC)
	return models.Candle{Instrument: "BTCUSDT", Interval: "1m", OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond), Closed: true}
}

func TestCandleBatcherFlushesFullBatch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := &recordingWriter{}
	b := NewCandleBatcher(w, 3, time.Hour, logger)
	b.Start()
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Write(minuteCandle(i))
	}
	require.Eventually(t, func() bool { return w.total() == 3 }, time.Second, 5*time.Millisecond)

	written, dropped := b.Counts()
	assert.Equal(t, int64(3), written)
	assert.Zero(t, dropped)
}

func TestCandleBatcherFlushesOnInterval(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := &recordingWriter{}
	b := NewCandleBatcher(w, 100, 10*time.Millisecond, logger)
	b.Start()
	defer b.Stop()

	b.Write(minuteCandle(0))
	require.Eventually(t, func() bool { return w.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCandleBatcherStopFlushesRemainder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := &recordingWriter{}
	b := NewCandleBatcher(w, 100, time.Hour, logger)
	b.Start()

	b.Write(minuteCandle(0))
	b.Write(minuteCandle(1))
	b.Stop()
	b.Stop()

	assert.Equal(t, 2, w.total())
	require.Len(t, w.batches, 1)
	assert.Equal(t, minuteCandle(1).OpenTime, w.batches[0][1].OpenTime)
}

func TestCandleBatcherCountsDroppedBatches(t *testing.T) {
	logger, hook := test.NewNullLogger()
	w := &recordingWriter{err: errors.New("influx unavailable")}
	b := NewCandleBatcher(w, 100, time.Hour, logger)
	b.Start()

	b.Write(minuteCandle(0))
	b.Write(minuteCandle(1))
	b.Stop()

	written, dropped := b.Counts()
	assert.Zero(t, written)
	assert.Equal(t, int64(2), dropped)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Candle batcher stopped", hook.LastEntry().Message)
}
