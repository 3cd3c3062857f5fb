package models

import (
	"fmt"
	"time"
)

// WindowKey identifies one collection window. Times are stored as epoch
// milliseconds so the key is comparable regardless of location or
// monotonic clock readings.
type WindowKey struct {
	Instrument string
	StartMs    int64
	EndMs      int64
}

// NewWindowKey builds the key for [start, end] on instrument
func NewWindowKey(instrument string, start, end time.Time) WindowKey {
	return WindowKey{Instrument: instrument, StartMs: start.UnixMilli(), EndMs: end.UnixMilli()}
}

// Start returns the window start
func (k WindowKey) Start() time.Time { return time.UnixMilli(k.StartMs).UTC() }

// End returns the window end
func (k WindowKey) End() time.Time { return time.UnixMilli(k.EndMs).UTC() }

// Contains reports whether ts falls inside [start, end]
func (k WindowKey) Contains(ts time.Time) bool {
	ms := ts.UnixMilli()
	return ms >= k.StartMs && ms <= k.EndMs
}

func (k WindowKey) String() string {
	return fmt.Sprintf("%s[%d,%d]", k.Instrument, k.StartMs, k.EndMs)
}

// GapReport lists candle open times that were missed while a stream was down
type GapReport struct {
	Instrument        string      `json:"instrument"`
	Interval          string      `json:"interval"`
	MissingBoundaries []time.Time `json:"missingBoundaries"`
}
