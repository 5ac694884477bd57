package querycache

import "sync"

// Connectivity reports whether the network is reachable. Fetches in the
// online network mode pause while it reports false.
type Connectivity interface {
	Online() bool
	// Subscribe calls fn on every change. The returned func unsubscribes.
	Subscribe(fn func(online bool)) func()
}

// Focus reports whether the application is in the foreground.
type Focus interface {
	Focused() bool
	Subscribe(fn func(focused bool)) func()
}

// Signal is a settable boolean source that satisfies both Connectivity and
// Focus. Wire it to whatever the host process knows about the network or
// its visibility.
type Signal struct {
	mu        sync.Mutex
	value     bool
	listeners map[int]func(bool)
	nextID    int
}

var (
	_ Connectivity = (*Signal)(nil)
	_ Focus        = (*Signal)(nil)
)

func NewSignal(initial bool) *Signal {
	return &Signal{value: initial, listeners: make(map[int]func(bool))}
}

func (s *Signal) Get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Signal) Online() bool  { return s.Get() }
func (s *Signal) Focused() bool { return s.Get() }

// Set updates the value and notifies subscribers when it changed.
func (s *Signal) Set(v bool) {
	s.mu.Lock()
	if s.value == v {
		s.mu.Unlock()
		return
	}
	s.value = v
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Signal) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
