package pipeline

import "sync"

// LatestBuffer is a single-slot latest-wins hand-off between one producer and any number of pollers.
//
// Publish overwrites an unread value instead of blocking, so the buffer never holds more than one value
// and a consumer never sees a value older than one it has already seen.
type LatestBuffer[T any] struct {
	mu        sync.Mutex
	value     T
	full      bool
	published uint64
	dropped   uint64
	taken     uint64
}

// LatestBufferStats is a snapshot of buffer counters
type LatestBufferStats struct {
	Published uint64
	// Dropped counts values overwritten before anyone took them
	Dropped uint64
	Taken   uint64
	Pending bool
}

// NewLatestBuffer creates empty buffer
func NewLatestBuffer[T any]() *LatestBuffer[T] {
	return &LatestBuffer[T]{}
}

// Publish stores v, replacing an unread value. Returns true if an unread value was dropped. Never blocks.
func (b *LatestBuffer[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := b.full
	if dropped {
		b.dropped++
	}
	b.value = v
	b.full = true
	b.published++
	return dropped
}

// TryTake returns pending value and empties the slot, or false if there is none. Never blocks.
func (b *LatestBuffer[T]) TryTake() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if !b.full {
		return zero, false
	}
	v := b.value
	b.value = zero
	b.full = false
	b.taken++
	return v, true
}

// Peek returns pending value without consuming it
func (b *LatestBuffer[T]) Peek() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.full
}

// Stats returns counters snapshot
func (b *LatestBuffer[T]) Stats() LatestBufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return LatestBufferStats{
		Published: b.published,
		Dropped:   b.dropped,
		Taken:     b.taken,
		Pending:   b.full,
	}
}
