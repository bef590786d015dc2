package stream

import "time"

// BackoffFactor is the interval multiplier applied after every failed attempt
const BackoffFactor = 1.5

// Backoff yields retry intervals: base, base*1.5, base*1.5^2, ... capped at max.
// After maxRetries growth steps it is exhausted and keeps yielding the fully backed-off interval.
// Not safe for concurrent use.
type Backoff struct {
	base       time.Duration
	max        time.Duration
	maxRetries int
	attempt    int
	interval   time.Duration
}

// NewBackoff creates backoff policy. Non-positive max means no cap.
func NewBackoff(base, max time.Duration, maxRetries int) *Backoff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := &Backoff{
		base:       base,
		max:        max,
		maxRetries: maxRetries,
	}
	b.Reset()
	return b
}

// Next returns interval to wait before the next attempt and false once retries are exhausted
func (b *Backoff) Next() (time.Duration, bool) {
	current := b.interval
	if b.attempt >= b.maxRetries {
		return current, false
	}
	b.attempt++
	next := time.Duration(float64(b.interval) * BackoffFactor)
	if b.max > 0 && next > b.max {
		next = b.max
	}
	b.interval = next
	return current, true
}

// Reset starts over from base interval
func (b *Backoff) Reset() {
	b.attempt = 0
	b.interval = b.base
	if b.max > 0 && b.interval > b.max {
		b.interval = b.max
	}
}

// Attempts returns number of growth steps taken since last reset
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Exhausted reports whether retries are used up
func (b *Backoff) Exhausted() bool {
	return b.attempt >= b.maxRetries
}
