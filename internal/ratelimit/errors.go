package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned while the local hourly quota is exhausted
	ErrRateLimited = errors.New("rate limited")
	// ErrBanned is returned while the upstream ban is in force
	ErrBanned = errors.New("banned by upstream")
	// ErrUpstream wraps any other failed request
	ErrUpstream = errors.New("upstream error")
)

// BanError reports an upstream IP ban. Request functions return it when the
// exchange signals a ban; the limiter returns it for every call until Until.
// A zero Until means the exchange did not say how long.
type BanError struct {
	Until  time.Time
	Reason string
}

func (e *BanError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("banned by upstream: %s", e.Reason)
	}
	return fmt.Sprintf("banned by upstream until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrBanned) match
func (e *BanError) Is(target error) bool { return target == ErrBanned }

// QuotaError is returned when the rolling hourly quota is used up
type QuotaError struct {
	Used    int
	Limit   int
	RetryAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limited: %d/%d requests this hour, next slot at %s",
		e.Used, e.Limit, e.RetryAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrRateLimited) match
func (e *QuotaError) Is(target error) bool { return target == ErrRateLimited }

// ThrottleError is returned by request functions when the upstream asks the
// client to slow down without banning it (HTTP 429).
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled by upstream (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// UpstreamError wraps a failed request
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream error: " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUpstream) match
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }
