package chat

import "time"

// Backoff yields exponentially growing reconnect delays: Base, 2*Base, ...
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	n    int
}

// DefaultBackoff is 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Next returns the delay before the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	d := b.Base
	for i := 0; i < b.n && d < b.Max; i++ {
		d *= 2
	}
	b.n++
	return min(d, b.Max)
}

// Reset starts the sequence over.
func (b *Backoff) Reset() {
	b.n = 0
}
