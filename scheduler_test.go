package querycache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeScheduler queues goroutines and timers until the test runs them.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	tasks  []func()
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) Go(f func()) {
	s.mu.Lock()
	s.tasks = append(s.tasks, f)
	s.mu.Unlock()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now.Add(d), seq: s.seq, fn: f}
	s.timers = append(s.timers, t)
	return t
}

// runPending runs queued goroutines, including the ones they queue, and
// returns how many ran.
func (s *fakeScheduler) runPending() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return n
		}
		f := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		f()
		n++
	}
}

// advance moves the clock by d, firing due timers in order and draining the
// goroutines each of them queues.
func (s *fakeScheduler) advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var due []*fakeTimer
		for _, t := range s.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			s.now = target
			s.mu.Unlock()
			s.runPending()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		t := due[0]
		t.fired = true
		s.now = t.at
		s.mu.Unlock()
		t.fn()
		s.runPending()
	}
}

func (s *fakeScheduler) pendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeScheduler) {
	t.Helper()
	s := newFakeScheduler()
	opts.Scheduler = s
	return New(opts), s
}

// recorder collects values delivered to a listener.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// counter is a query function that returns fixed data and counts its calls.
type counter struct {
	mu    sync.Mutex
	calls int
	data  any
	err   error
}

func (c *counter) fn(context.Context, FetchContext) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.data, c.err
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *counter) set(data any, err error) {
	c.mu.Lock()
	c.data, c.err = data, err
	c.mu.Unlock()
}

// startFetch starts (or joins) a fetch without waiting for it.
func startFetch(q *Query, opts *QueryOptions, fo FetchOptions) *flight {
	var f *flight
	q.client.turn.do(func() { f = q.fetch(opts, fo, nil) })
	return f
}

func isSettled(f *flight) bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
