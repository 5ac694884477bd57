package querycache

import "sync"

// notifier queues listener callbacks produced inside a turn and delivers them
// after the turn ends, in FIFO order, on one draining goroutine at a time.
// Listeners therefore never run with the turn lock held and may call back
// into the client.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (n *notifier) schedule(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
}

func (n *notifier) flush() {
	for {
		n.mu.Lock()
		if n.draining || len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		n.draining = true
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		n.run(batch)
	}
}

func (n *notifier) run(batch []func()) {
	defer func() {
		n.mu.Lock()
		n.draining = false
		n.mu.Unlock()
	}()
	for _, fn := range batch {
		fn()
	}
}

// turn serialises cache bookkeeping: fn runs with the lock held, queued
// notifications are flushed once the lock is released.
type turn struct {
	mu     sync.Mutex
	notify notifier
	// settle runs at the end of the turn, after every dispatch in it.
	settle []func()
}

func (t *turn) do(fn func()) {
	t.locked(fn)
	t.notify.flush()
}

func (t *turn) locked(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	for len(t.settle) > 0 {
		batch := t.settle
		t.settle = nil
		for _, s := range batch {
			s()
		}
	}
}

// atEnd defers fn to the end of the current turn. Must be called inside one.
func (t *turn) atEnd(fn func()) {
	t.settle = append(t.settle, fn)
}

// listeners is an ordered listener set. Callbacks are delivered through the
// notifier, never inline.
type listeners[T any] struct {
	next    int
	entries []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) int {
	id := l.next
	l.next++
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})
	return id
}

func (l *listeners[T]) remove(id int) bool {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners[T]) len() int { return len(l.entries) }

func (l *listeners[T]) emit(n *notifier, v T) {
	for _, e := range l.entries {
		fn := e.fn
		n.schedule(func() { fn(v) })
	}
}
