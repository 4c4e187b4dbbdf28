package async

import "time"

// Backoff computes retry delays: Base × 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the default retry policy
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
}

// Delay returns Base × 2^n, capped at Max. Negative n counts as 0.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}

	d := b.Base
	for i := 0; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d > time.Duration(1<<62) {
			return d
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// NextAttemptAt returns when a job that has used attempts attempts becomes
// eligible again: Base × 2^attempts after now, so the first retry waits 2×Base.
func (b Backoff) NextAttemptAt(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}
