// Package expiry derives a safe next-poll time from an origin's cache
// headers. Origins with unsynchronized clocks would otherwise hold the proxy
// hostage, so only the origin's intended validity window (expires minus its
// own date) is trusted, re-anchored to local time and bounded.
package expiry

import (
	"math"
	"time"
)

// Estimator adjusts and bounds origin expiry signals.
type Estimator struct {
	// Min and Max bound the adjusted interval. Max applies only when the
	// origin gave no recommended poll interval.
	Min time.Duration
	Max time.Duration

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

func New(min, max time.Duration) *Estimator {
	return &Estimator{Min: min, Max: max, Now: time.Now}
}

// Headroom applied to the upper bound so an origin slightly out of sync can
// be brought back into step rather than clamped every cycle.
const maxIntervalHeadroom = 1.5

// Adjust computes a clock-skew-corrected expiry instant, or nil when the
// origin provided no usable signal. recommendedSeconds is the origin's
// suggested poll interval, if any. receivedAt anchors the re-computed window:
// the origin's validity countdown started when the response arrived, not when
// the caller got around to the arithmetic.
func (e *Estimator) Adjust(expires, date *time.Time, recommendedSeconds *int, receivedAt time.Time) *time.Time {
	// Without both origin timestamps the skew cannot be computed; treat as no
	// caching signal at all.
	if expires == nil || date == nil {
		return nil
	}

	now := receivedAt
	if now.IsZero() {
		now = e.Now()
	}

	// The origin's intended validity window, immune to its absolute clock
	// being wrong.
	window := expires.Sub(*date)

	maxInterval := time.Duration(maxIntervalHeadroom * float64(e.Max))
	if recommendedSeconds != nil {
		maxInterval = time.Duration(maxIntervalHeadroom * float64(*recommendedSeconds) * float64(time.Second))
	}

	switch {
	case window < 0:
		// Already expired even after adjustment.
		return nil
	case window > maxInterval:
		t := now.Add(maxInterval)
		return &t
	case window < e.Min:
		t := now.Add(e.Min)
		return &t
	default:
		t := now.Add(window)
		return &t
	}
}

// ProjectForward advances a passed expiry to the next poll-interval boundary
// after now. Used at serve time to turn a stale sentinel expiry into a
// usable cache lifetime.
func (e *Estimator) ProjectForward(expires time.Time, interval time.Duration) time.Time {
	now := e.Now()
	if !expires.Before(now) || interval <= 0 {
		return expires
	}
	intervals := math.Ceil(float64(now.Sub(expires)) / float64(interval))
	return expires.Add(time.Duration(intervals) * interval)
}
