package database

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/pkg/models"
)

// CandleWriter persists a batch of candles
type CandleWriter interface {
	WriteCandles(ctx context.Context, candles []models.Candle) error
}

// CandleBatcher batches closed candle writes to InfluxDB
type CandleBatcher struct {
	writer CandleWriter
	logger *logrus.Entry

	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	buffer   []models.Candle
	bufferMu sync.Mutex
	flushMu  sync.Mutex

	// Error rate limiting
	errMu         sync.Mutex
	lastErrorLog  time.Time
	errorCount    int
	errorInterval time.Duration

	written int64
	dropped int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCandleBatcher creates a batcher flushing every flushInterval or whenever
// batchSize candles are buffered
func NewCandleBatcher(writer CandleWriter, batchSize int, flushInterval time.Duration, logger *logrus.Logger) *CandleBatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &CandleBatcher{
		writer:        writer,
		logger:        logger.WithField("component", "candle-batcher"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		writeTimeout:  5 * time.Second,
		buffer:        make([]models.Candle, 0, batchSize),
		errorInterval: 5 * time.Second,
		done:          make(chan struct{}),
	}
}

// Start starts the flush loop
func (cb *CandleBatcher) Start() {
	cb.wg.Add(1)
	go cb.flushLoop()
	cb.logger.Info("Candle batcher started")
}

// Stop stops the flush loop and writes whatever is left
func (cb *CandleBatcher) Stop() {
	cb.stopOnce.Do(func() {
		close(cb.done)
		cb.wg.Wait()
		cb.flush()
		cb.logger.Info("Candle batcher stopped")
	})
}

// Write adds a candle to the batch
func (cb *CandleBatcher) Write(c models.Candle) {
	cb.bufferMu.Lock()
	cb.buffer = append(cb.buffer, c)
	shouldFlush := len(cb.buffer) >= cb.batchSize
	cb.bufferMu.Unlock()

	if !shouldFlush {
		return
	}
	select {
	case <-cb.done:
		cb.flush()
	default:
		cb.wg.Add(1)
		go func() {
			defer cb.wg.Done()
			cb.flush()
		}()
	}
}

func (cb *CandleBatcher) flushLoop() {
	defer cb.wg.Done()

	ticker := time.NewTicker(cb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cb.done:
			return
		case <-ticker.C:
			cb.flush()
		}
	}
}

func (cb *CandleBatcher) flush() {
	cb.flushMu.Lock()
	defer cb.flushMu.Unlock()

	cb.bufferMu.Lock()
	if len(cb.buffer) == 0 {
		cb.bufferMu.Unlock()
		return
	}
	batch := make([]models.Candle, len(cb.buffer))
	copy(batch, cb.buffer)
	cb.buffer = cb.buffer[:0]
	cb.bufferMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cb.writeTimeout)
	defer cancel()

	if err := cb.writer.WriteCandles(ctx, batch); err != nil {
		cb.handleError(err, len(batch))
		return
	}

	cb.errMu.Lock()
	cb.errorCount = 0
	cb.written += int64(len(batch))
	cb.errMu.Unlock()
}

// handleError logs write failures at most once per errorInterval. The
// failed batch is dropped.
func (cb *CandleBatcher) handleError(err error, batchSize int) {
	cb.errMu.Lock()
	defer cb.errMu.Unlock()

	cb.errorCount++
	cb.dropped += int64(batchSize)

	now := time.Now()
	if now.Sub(cb.lastErrorLog) >= cb.errorInterval {
		cb.logger.WithFields(logrus.Fields{
			"error":       err,
			"batch_size":  batchSize,
			"error_count": cb.errorCount,
		}).Error("Failed to write candle batch to InfluxDB")
		cb.lastErrorLog = now

		if cb.errorCount > 10 {
			cb.logger.WithField("error_count", cb.errorCount).
				Warn("Persistent InfluxDB write errors detected. Check InfluxDB health and connection.")
		}
	}
}

// Counts returns how many candles were written and dropped
func (cb *CandleBatcher) Counts() (written, dropped int64) {
	cb.errMu.Lock()
	defer cb.errMu.Unlock()
	return cb.written, cb.dropped
}
