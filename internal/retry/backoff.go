// Package retry implements the exponential backoff used by the ingest
// worker's reconnect loop and the stream processor's flush retry.
package retry

import "time"

// Backoff produces a sequence of delays doubling from Initial up to Max.
// Not safe for concurrent use; callers own one instance per retry loop.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	current time.Duration
}

// NewBackoff returns a Backoff with the given initial delay, cap, and
// growth factor. Factor defaults to 2 if <= 1.
func NewBackoff(initial, max time.Duration, factor float64) *Backoff {
	if factor <= 1 {
		factor = 2
	}
	return &Backoff{Initial: initial, Max: max, Factor: factor}
}

// Next returns the next delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return d
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() {
	b.current = 0
}
