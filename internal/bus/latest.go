package bus

import "sync"

// Latest holds a current value and fans it out to any number of subscribers.
// Each subscriber sees the current value on subscribe and then every newer
// value; values a slow subscriber has not read yet are replaced by newer ones,
// so publishing never blocks and a subscriber never ends on a stale value.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[int]chan T
	next   int
	closed bool
}

// NewLatest creates a broadcaster holding initial.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{value: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (l *Latest[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Set replaces the current value and notifies subscribers.
func (l *Latest[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.value = v
	for _, ch := range l.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel primed with the current value and a cancel func.
// The channel is closed by cancel or by Close.
func (l *Latest[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	l.mu.Lock()
	if l.closed {
		close(ch)
		l.mu.Unlock()
		return ch, func() {}
	}
	id := l.next
	l.next++
	l.subs[id] = ch
	ch <- l.value
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (l *Latest[T]) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Close closes every subscriber channel. Later Sets are ignored.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

// offer puts v into a capacity-1 channel, replacing an unread value.
// Callers hold the owning lock, so this is the only writer.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
