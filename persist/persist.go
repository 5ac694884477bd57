// Package persist stores query results in a byte Provider and serves them
// back to fresh clients, so a restarted process (or another replica) can
// skip fetches whose data is still fresh.
//
//	p, _ := persist.New(persist.Options[[]Todo]{
//		Namespace: "app:todos",
//		Provider:  ttlprovider.New(ttlprovider.Config{}),
//		Codec:     codec.JSON[[]Todo]{},
//	})
//	client.QueryCache().Build(querycache.QueryOptions{
//		QueryKey:  querycache.QueryKey{"todos"},
//		QueryFn:   fetchTodos,
//		StaleTime: time.Minute,
//		Persister: p.Persist,
//	})
//
// Every entry carries the generation it was written under. Invalidate bumps
// the generation, which busts the entry for every process sharing the
// GenStore even when deleting it from the provider fails.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/genstore"
	"github.com/unkn0wn-root/querycache/internal/util"
	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/provider"
)

type Options[V any] struct {
	Namespace string            // required; prefixes provider keys
	Provider  provider.Provider // required
	Codec     codec.Codec[V]    // required
	GenStore  genstore.GenStore // nil => in-process store, closed by Close
	Logger    querycache.Logger // nil => NopLogger

	TTL    time.Duration // provider TTL; 0 => no expiry
	MaxAge time.Duration // ignore entries older than this; 0 => no limit

	// ComputeSetCost weighs an entry for cost-aware providers; nil => payload size.
	ComputeSetCost func(payload []byte, v V) int64

	Disabled bool
	Now      func() time.Time // nil => time.Now
}

type Persister[V any] struct {
	ns       string
	provider provider.Provider
	codec    codec.Codec[V]
	gens     genstore.GenStore
	ownGens  bool
	log      querycache.Logger
	ttl      time.Duration
	maxAge   time.Duration
	cost     func([]byte, V) int64
	disabled bool
	now      func() time.Time
}

func New[V any](opts Options[V]) (*Persister[V], error) {
	if opts.Namespace == "" {
		return nil, errors.New("persist: namespace is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("persist: provider is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("persist: codec is required")
	}
	p := &Persister[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		gens:     opts.GenStore,
		log:      opts.Logger,
		ttl:      opts.TTL,
		maxAge:   opts.MaxAge,
		cost:     opts.ComputeSetCost,
		disabled: opts.Disabled,
		now:      opts.Now,
	}
	if p.gens == nil {
		p.gens = genstore.NewLocalGenStore(0)
		p.ownGens = true
	}
	if p.log == nil {
		p.log = querycache.NopLogger{}
	}
	if p.cost == nil {
		p.cost = func(b []byte, _ V) int64 { return int64(len(b)) }
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func (p *Persister[V]) key(hash string) string { return util.StorageKey(p.ns, hash) }

// Persist has the shape of querycache.Persister. For a query without data
// it first tries the provider and returns a stored value that is still
// fresh under the query's StaleTime without calling fn. Otherwise it calls
// fn and stores a successful result. Storage trouble is logged and never
// fails the fetch.
func (p *Persister[V]) Persist(
	ctx context.Context,
	fn func(context.Context) (any, error),
	pc querycache.PersistContext,
	q *querycache.Query,
) (any, error) {
	if p.disabled {
		return fn(ctx)
	}

	if q == nil || q.State().Data == nil {
		v, at, ok, err := p.Restore(ctx, pc.QueryHash)
		if err != nil {
			p.log.Warn("persist restore failed", querycache.Fields{"hash": pc.QueryHash, "err": err})
		}
		if ok && p.fresh(at, pc.StaleTime) {
			p.log.Debug("persist restored", querycache.Fields{"hash": pc.QueryHash, "updated_at": at})
			return v, nil
		}
	}

	key := p.key(pc.QueryHash)
	gen := p.snapshotGen(ctx, key)

	data, err := fn(ctx)
	if err != nil {
		return data, err
	}
	if v, ok := data.(V); ok {
		p.store(ctx, key, pc.QueryHash, gen, v)
	} else {
		p.log.Debug("persist skipped: unexpected data type", querycache.Fields{
			"hash": pc.QueryHash, "type": fmt.Sprintf("%T", data),
		})
	}
	return data, nil
}

func (p *Persister[V]) fresh(updatedAt time.Time, staleTime time.Duration) bool {
	if staleTime == querycache.StaleNever {
		return true
	}
	return p.now().Sub(updatedAt) < staleTime
}

// Restore reads the entry for a query hash. ok is false on a miss, and for
// entries that are corrupt, from an older generation, written by a
// different query or older than MaxAge. Corrupt and outdated entries are
// deleted.
func (p *Persister[V]) Restore(ctx context.Context, queryHash string) (v V, updatedAt time.Time, ok bool, err error) {
	key := p.key(queryHash)
	raw, hit, gerr := p.provider.Get(ctx, key)
	if gerr != nil {
		return v, updatedAt, false, &RestoreError{Key: key, GetErr: gerr}
	}
	if !hit {
		return v, updatedAt, false, nil
	}

	e, derr := wire.Decode(raw)
	if derr == nil && e.Hash == queryHash {
		v, derr = p.codec.Decode(e.Payload)
	}
	if derr != nil {
		rerr := &RestoreError{Key: key, DecodeErr: derr}
		if delErr := p.provider.Del(ctx, key); delErr != nil {
			rerr.DelErr = delErr
		}
		var zero V
		return zero, updatedAt, false, rerr
	}
	if e.Hash != queryHash {
		// short-key collision; the slot belongs to another query
		return v, updatedAt, false, nil
	}

	if cur := p.snapshotGen(ctx, key); cur != e.Gen {
		p.selfHeal(ctx, key, "gen_mismatch")
		return v, updatedAt, false, nil
	}
	if p.maxAge > 0 && p.now().Sub(e.UpdatedAt) > p.maxAge {
		p.selfHeal(ctx, key, "expired")
		return v, updatedAt, false, nil
	}
	return v, e.UpdatedAt, true, nil
}

func (p *Persister[V]) store(ctx context.Context, key, hash string, gen uint64, v V) {
	payload, err := p.codec.Encode(v)
	if err != nil {
		p.log.Warn("persist encode failed", querycache.Fields{"hash": hash, "err": err})
		return
	}
	b, err := wire.Encode(wire.Entry{Gen: gen, UpdatedAt: p.now(), Hash: hash, Payload: payload})
	if err != nil {
		p.log.Warn("persist framing failed", querycache.Fields{"hash": hash, "err": err})
		return
	}

	// An Invalidate that ran while fn was in flight wins over this result.
	if cur := p.snapshotGen(ctx, key); cur != gen {
		p.log.Debug("persist skipped: generation moved", querycache.Fields{"hash": hash, "gen": gen, "current": cur})
		return
	}
	ok, err := p.provider.Set(ctx, key, b, p.cost(payload, v), p.ttl)
	if err != nil {
		p.log.Warn("persist write failed", querycache.Fields{"hash": hash, "err": err})
		return
	}
	if !ok {
		p.log.Debug("persist write rejected", querycache.Fields{"hash": hash})
	}
}

// Invalidate busts the entry of a query hash: it bumps the generation, then
// deletes the entry. A failed delete alone is only logged, the bump already
// guarantees the entry is never served again.
func (p *Persister[V]) Invalidate(ctx context.Context, queryHash string) error {
	key := p.key(queryHash)
	_, bumpErr := p.gens.Bump(ctx, key)
	delErr := p.provider.Del(ctx, key)
	if bumpErr != nil {
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	if delErr != nil {
		p.log.Warn("persist delete failed after bump", querycache.Fields{"key": key, "err": delErr})
	}
	return nil
}

// InvalidateQuery is Invalidate plus QueryClient.InvalidateQueries for the
// same key, so active observers refetch past the busted entry.
func (p *Persister[V]) InvalidateQuery(ctx context.Context, c *querycache.Client, key querycache.QueryKey) error {
	if c == nil {
		return querycache.ErrNilClient
	}
	hash, err := querycache.HashKey(key)
	if err != nil {
		return err
	}
	if err := p.Invalidate(ctx, hash); err != nil {
		return err
	}
	return c.InvalidateQueries(ctx, querycache.QueryFilters{QueryKey: key, Exact: true})
}

// Close releases the generation store when Persister created it. The
// provider is left open; it is usually shared.
func (p *Persister[V]) Close(ctx context.Context) error {
	if p.ownGens {
		return p.gens.Close(ctx)
	}
	return nil
}

// snapshotGen treats an unreadable generation as 0; entries written under
// it then fail the check once the store recovers.
func (p *Persister[V]) snapshotGen(ctx context.Context, key string) uint64 {
	g, err := p.gens.Snapshot(ctx, key)
	if err != nil {
		p.log.Warn("persist gen snapshot failed", querycache.Fields{"key": key, "err": err})
		return 0
	}
	return g
}

func (p *Persister[V]) selfHeal(ctx context.Context, key, reason string) {
	if err := p.provider.Del(ctx, key); err != nil {
		p.log.Warn("persist self-heal delete failed", querycache.Fields{"key": key, "reason": reason, "err": err})
		return
	}
	p.log.Debug("persist self-heal", querycache.Fields{"key": key, "reason": reason})
}
