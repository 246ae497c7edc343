package ratelimit

import (
	"context"
	"time"
)

// IntervalLimiter enforces a minimum delay between requests to one external
// host, measured from the end of the previous request. All callers that hit
// the same provider must share a single limiter instance, since the
// provider's usage policy is shared across the process.
type IntervalLimiter struct {
	interval time.Duration
	// slot carries the completion time of the previous request. Taking it
	// admits one request; Mark returns it, so only one request per limiter
	// is ever in flight.
	slot chan time.Time
}

// NewIntervalLimiter builds a limiter with the given minimum inter-request
// interval. A non-positive interval disables waiting.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	l := &IntervalLimiter{interval: interval, slot: make(chan time.Time, 1)}
	l.slot <- time.Time{}
	return l
}

// Wait acquires the request slot, blocking until the interval since the
// previous request's completion has elapsed or the context is cancelled. The
// slot stays held until Mark, so a concurrent caller cannot start a request
// while another is still in flight.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 {
		return ctx.Err()
	}

	var last time.Time
	select {
	case <-ctx.Done():
		return ctx.Err()
	case last = <-l.slot:
	}

	if !last.IsZero() {
		wait := l.interval - time.Since(last)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				l.slot <- last
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

// Mark records the completion time of a request and releases the slot.
// Callers invoke it after the response is fully received so the interval is
// measured end-to-start. Safe to call without a prior Wait.
func (l *IntervalLimiter) Mark() {
	if l == nil || l.interval <= 0 {
		return
	}
	select {
	case <-l.slot:
	default:
	}
	l.slot <- time.Now()
}
