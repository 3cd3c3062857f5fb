package exchange

import (
	"fmt"
	"time"
)

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseInterval converts an exchange kline interval to a duration
func ParseInterval(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return d, nil
}

// CandleBounds returns the open time and inclusive close time of the candle
// of length d that contains ts. Close is one millisecond before the next
// open, matching the exchange's closeTime.
func CandleBounds(ts time.Time, d time.Duration) (time.Time, time.Time) {
	open := ts.UTC().Truncate(d)
	return open, open.Add(d - time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
