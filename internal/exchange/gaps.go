package exchange

import "time"

// maxGapBoundaries bounds one report to a single klines page
const maxGapBoundaries = 1500

// MissingBoundaries lists the open times of candles that closed while
// nobody was listening. lastClose is the close of the last received candle,
// which is also the open of the first candle that may be missing. A candle
// counts as missing only if it has fully closed before now, so a gap of
// exactly one interval reports nothing. Only the most recent
// maxGapBoundaries are returned.
func MissingBoundaries(lastClose, now time.Time, interval time.Duration) []time.Time {
	if interval <= 0 || lastClose.IsZero() || now.Sub(lastClose) <= interval {
		return nil
	}

	first := lastClose.UTC()
	if rem := first.Sub(first.Truncate(interval)); rem > 0 {
		first = first.Truncate(interval).Add(interval)
	}
	n := int(now.Sub(first) / interval)
	if now.Sub(first)%interval == 0 {
		n--
	}
	if n <= 0 {
		return nil
	}
	if n > maxGapBoundaries {
		first = first.Add(time.Duration(n-maxGapBoundaries) * interval)
		n = maxGapBoundaries
	}

	out := make([]time.Time, n)
	for i := range out {
		out[i] = first.Add(time.Duration(i) * interval)
	}
	return out
}
