package job

import "time"

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// maxShift caps the exponent so the delay never overflows time.Duration.
const maxShift = 30

// Wait returns the wait before the next attempt once `attempt` attempts have
// been made: base * 2^(attempt-1). The first attempt runs immediately, so
// attempt < 1 yields zero.
func (b Backoff) Wait(attempt int) time.Duration {
	if attempt < 1 || b.Delay <= 0 {
		return 0
	}
	if b.Type == BackoffFixed {
		return b.Delay
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	return b.Delay * time.Duration(1<<uint(shift))
}

// RetryDelays lists the distinct delays a job with maxAttempts attempts can wait
// between attempts, in order.
func (b Backoff) RetryDelays(maxAttempts int) []time.Duration {
	var out []time.Duration
	seen := make(map[time.Duration]bool)
	for attempt := 1; attempt < maxAttempts; attempt++ {
		d := b.Wait(attempt)
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
