// Package ttlcache persists query data in a jellydator/ttlcache instance
// with per-entry TTLs and an optional capacity bound.
package ttlcache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/unkn0wn-root/querycache/provider"
)

type Provider struct {
	c    *ttlcache.Cache[string, []byte]
	stop sync.Once
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	Capacity uint64 // 0 = unbounded; LRU eviction beyond it
}

// New starts the expiry loop; Close stops it.
func New(cfg Config) *Provider {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](cfg.Capacity))
	}
	p := &Provider{c: ttlcache.New[string, []byte](opts...)}
	go p.c.Start()
	return p
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	it := p.c.Get(key)
	if it == nil || it.IsExpired() {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	p.c.Set(key, value, ttl)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Delete(key)
	return nil
}

// Len counts stored entries, expired ones included until the next sweep.
func (p *Provider) Len() int { return p.c.Len() }

func (p *Provider) Close(context.Context) error {
	p.stop.Do(p.c.Stop)
	return nil
}
