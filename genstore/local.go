package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// LocalGenStore keeps generations in-process (default).
//
// With a retention, a generation that was not bumped for that long is
// forgotten and reads as 0 again. Entries written under it were busted by
// that very bump, so forgetting it cannot resurrect them.
type LocalGenStore struct {
	mu      sync.Mutex // serialises Bump's read-modify-write
	gens    *ttlcache.Cache[string, uint64]
	started bool
	stop    sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

// NewLocalGenStore creates a store. retention <= 0 keeps generations forever.
func NewLocalGenStore(retention time.Duration) *LocalGenStore {
	opts := []ttlcache.Option[string, uint64]{
		// reads must not extend retention; only bumps do
		ttlcache.WithDisableTouchOnHit[string, uint64](),
	}
	if retention > 0 {
		opts = append(opts, ttlcache.WithTTL[string, uint64](retention))
	}
	s := &LocalGenStore{gens: ttlcache.New[string, uint64](opts...)}
	if retention > 0 {
		s.started = true
		go s.gens.Start()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	if it := s.gens.Get(k); it != nil {
		return it.Value(), nil
	}
	return 0, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var g uint64
	if it := s.gens.Get(k); it != nil {
		g = it.Value()
	}
	g++
	s.gens.Set(k, g, ttlcache.DefaultTTL)
	return g, nil
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.stop.Do(func() {
		if s.started {
			s.gens.Stop()
		}
	})
	return nil
}
