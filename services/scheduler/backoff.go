package scheduler

import "time"

// Backoff is the tick loop's retry state: the delay doubles per consecutive
// failure from Min up to Max and resets on success.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	current  time.Duration
	failures int
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max}
}

// Failure records a failed tick and returns the delay before the next one.
func (b *Backoff) Failure() time.Duration {
	b.failures++
	switch {
	case b.current == 0:
		b.current = b.Min
	case b.current >= b.Max/2:
		b.current = b.Max
	default:
		b.current *= 2
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

func (b *Backoff) Success() {
	b.current = 0
	b.failures = 0
}

// Current is the delay last returned by Failure, zero after a success.
func (b *Backoff) Current() time.Duration { return b.current }

func (b *Backoff) Failures() int { return b.failures }

// RetryDelay is the wait before a schedule's next publish attempt, given how
// many attempts have failed so far.
func RetryDelay(min, max time.Duration, attempts int) time.Duration {
	b := NewBackoff(min, max)
	d := b.Min
	for i := 0; i < attempts; i++ {
		d = b.Failure()
	}
	return d
}
