package profile

import (
	"math"
	"strings"
	"sync"
)

// knownTickSizes holds exchange tick sizes for the most traded contracts
var knownTickSizes = map[string]float64{
	"BTCUSDT":  0.1,
	"ETHUSDT":  0.01,
	"BNBUSDT":  0.01,
	"SOLUSDT":  0.01,
	"XRPUSDT":  0.0001,
	"ADAUSDT":  0.0001,
	"DOGEUSDT": 0.00001,
	"LTCUSDT":  0.01,
	"LINKUSDT": 0.001,
	"AVAXUSDT": 0.001,
	"DOTUSDT":  0.001,
	"BCHUSDT":  0.01,
	"TRXUSDT":  0.00001,
}

// TickSizes resolves the bucket size per instrument. Entries loaded from the
// instrument store override the built-in table; unknown instruments fall
// back to a heuristic on price magnitude.
type TickSizes struct {
	mu        sync.RWMutex
	overrides map[string]float64
}

// NewTickSizes creates an empty resolver backed by the built-in table
func NewTickSizes() *TickSizes {
	return &TickSizes{overrides: make(map[string]float64)}
}

// Set records the exchange tick size for an instrument. Values that are not
// positive and finite are ignored.
func (t *TickSizes) Set(instrument string, size float64) {
	if !(size > 0) || math.IsInf(size, 1) {
		return
	}
	t.mu.Lock()
	t.overrides[strings.ToUpper(instrument)] = size
	t.mu.Unlock()
}

// For returns the tick size for instrument, using refPrice when it has to
// guess.
func (t *TickSizes) For(instrument string, refPrice float64) float64 {
	sym := strings.ToUpper(instrument)

	t.mu.RLock()
	size, ok := t.overrides[sym]
	t.mu.RUnlock()
	if ok {
		return size
	}
	if size, ok := knownTickSizes[sym]; ok {
		return size
	}
	return HeuristicTickSize(refPrice)
}

// HeuristicTickSize guesses a tick size from the order of magnitude of price
func HeuristicTickSize(price float64) float64 {
	switch {
	case price >= 10000:
		return 0.1
	case price >= 100:
		return 0.01
	case price >= 10:
		return 0.001
	case price >= 1:
		return 0.0001
	case price >= 0.01:
		return 0.00001
	case price > 0:
		return 0.0000001
	default:
		return 0.01
	}
}
