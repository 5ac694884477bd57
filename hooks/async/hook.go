// Package asynchook moves hook delivery off the client's turn.
//
// Hooks run with the query cache locked, so a slow sink (network logging,
// metrics push) stalls every query. Wrapping it here hands each event to a
// bounded queue drained by worker goroutines; events are dropped when the
// queue is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{RetryEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
//
//	client := querycache.New(querycache.Options{Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	inner   querycache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards q against send-after-close
	closed  bool
	dropped atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(inner querycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close stops accepting events and waits for queued ones to be delivered.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed wrapper.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) QueryAdded(hash string) { h.try(func() { h.inner.QueryAdded(hash) }) }
func (h *Hooks) QueryRemoved(hash, reason string) {
	h.try(func() { h.inner.QueryRemoved(hash, reason) })
}
func (h *Hooks) FetchRetry(hash string, n int, err error) {
	h.try(func() { h.inner.FetchRetry(hash, n, err) })
}
func (h *Hooks) FetchFailed(hash string, err error) { h.try(func() { h.inner.FetchFailed(hash, err) }) }
func (h *Hooks) FetchCancelled(hash string, revert, silent bool) {
	h.try(func() { h.inner.FetchCancelled(hash, revert, silent) })
}
func (h *Hooks) FetchPaused(hash string) { h.try(func() { h.inner.FetchPaused(hash) }) }
