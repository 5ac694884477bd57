package querycache

import (
	"context"
	"errors"
	"time"
)

// Options configure a Client. The zero value is usable.
type Options struct {
	Logger       Logger       // nil => NopLogger
	Hooks        Hooks        // nil => NopHooks
	Scheduler    Scheduler    // nil => RealScheduler
	Connectivity Connectivity // nil => always online
	Focus        Focus        // nil => always focused

	// Fallbacks for QueryOptions fields left at their zero value.
	GCTime            time.Duration            // 0 => 5m
	StaleTime         time.Duration            // 0 => 0 (stale right after fetching)
	Retry             RetryFunc                // nil => RetryTimes(3)
	RetryDelay        RetryDelayFunc           // nil => DefaultRetryDelay
	StructuralSharing func(prev, next any) any // nil => ReplaceEqualDeep
}

// Client owns one QueryCache and everything bound to it. All queries,
// observers and retryers of a client share its turn lock.
type Client struct {
	turn turn

	sched Scheduler
	log   Logger
	hooks Hooks
	conn  Connectivity
	focus Focus

	gcTime     time.Duration
	staleTime  time.Duration
	retry      RetryFunc
	retryDelay RetryDelayFunc
	sharing    func(prev, next any) any

	cache *QueryCache

	mounted int
	unsubs  []func()
}

func New(opts Options) *Client {
	c := &Client{
		sched:      coalesce[Scheduler](opts.Scheduler, RealScheduler{}),
		log:        coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		conn:       coalesce[Connectivity](opts.Connectivity, NewSignal(true)),
		focus:      coalesce[Focus](opts.Focus, NewSignal(true)),
		gcTime:     coalesce(opts.GCTime, defaultGCTime),
		staleTime:  opts.StaleTime,
		retry:      opts.Retry,
		retryDelay: opts.RetryDelay,
		sharing:    opts.StructuralSharing,
	}
	if c.retry == nil {
		c.retry = RetryTimes(defaultRetryCount)
	}
	if c.retryDelay == nil {
		c.retryDelay = DefaultRetryDelay
	}
	if c.sharing == nil {
		c.sharing = ReplaceEqualDeep
	}
	c.cache = newQueryCache(c)
	return c
}

func (c *Client) QueryCache() *QueryCache { return c.cache }

// Mount starts listening to the Connectivity and Focus sources: regaining
// either refetches stale observed queries and resumes paused fetches.
// Mount calls nest; each needs a matching Unmount.
func (c *Client) Mount() {
	first := false
	c.turn.locked(func() {
		c.mounted++
		first = c.mounted == 1
	})
	if !first {
		return
	}
	unsubs := []func(){
		c.conn.Subscribe(func(online bool) {
			if online {
				c.log.Debug("connectivity regained", nil)
				c.turn.do(c.cache.onOnline)
			}
		}),
		c.focus.Subscribe(func(focused bool) {
			if focused {
				c.turn.do(c.cache.onFocus)
			}
		}),
	}
	c.turn.locked(func() { c.unsubs = unsubs })
}

func (c *Client) Unmount() {
	var unsubs []func()
	c.turn.locked(func() {
		if c.mounted == 0 {
			return
		}
		c.mounted--
		if c.mounted == 0 {
			unsubs, c.unsubs = c.unsubs, nil
		}
	})
	for _, u := range unsubs {
		u()
	}
}

// FetchQuery returns fresh cached data or fetches it, waiting for the
// outcome. Unlike observers it does not retry unless opts.Retry says so.
func (c *Client) FetchQuery(ctx context.Context, opts QueryOptions) (any, error) {
	if opts.Retry == nil {
		opts.Retry = RetryNever()
	}
	opts = c.defaults(opts)

	var (
		f    *flight
		data any
		err  error
	)
	c.turn.do(func() {
		var q *Query
		if q, err = c.cache.build(opts); err != nil {
			return
		}
		if !q.isStaleByTime(opts.StaleTime) {
			data = q.state.Data
			return
		}
		f = q.fetch(&opts, FetchOptions{}, nil)
	})
	if err != nil || f == nil {
		return data, err
	}
	return f.wait(ctx)
}

// PrefetchQuery is FetchQuery without the outcome.
func (c *Client) PrefetchQuery(ctx context.Context, opts QueryOptions) {
	_, _ = c.FetchQuery(ctx, opts)
}

// FetchInfiniteQuery fetches the first page of an infinite query, or
// refetches every page it already holds when stale.
func (c *Client) FetchInfiniteQuery(ctx context.Context, opts QueryOptions) (InfiniteData, error) {
	opts.behavior = infiniteBehavior{}
	data, err := c.FetchQuery(ctx, opts)
	if err != nil {
		return InfiniteData{}, err
	}
	d, _ := data.(InfiniteData)
	return d, nil
}

// EnsureQueryData returns cached data regardless of staleness, fetching only
// when there is none.
func (c *Client) EnsureQueryData(ctx context.Context, opts QueryOptions) (any, error) {
	if data, ok := c.GetQueryData(opts.QueryKey); ok {
		return data, nil
	}
	return c.FetchQuery(ctx, opts)
}

func (c *Client) GetQueryData(key QueryKey) (any, bool) {
	s, ok := c.GetQueryState(key)
	if !ok || s.Data == nil {
		return nil, false
	}
	return s.Data, true
}

func (c *Client) GetQueryState(key QueryKey) (QueryState, bool) {
	hash, err := HashKey(key)
	if err != nil {
		return QueryState{}, false
	}
	var (
		s  QueryState
		ok bool
	)
	c.turn.locked(func() {
		if q := c.cache.queries[hash]; q != nil {
			s, ok = q.state, true
		}
	})
	return s, ok
}

// SetQueryData writes data under key, creating the query if needed.
// A nil data is ignored.
func (c *Client) SetQueryData(key QueryKey, data any) (any, error) {
	return c.UpdateQueryData(key, func(any) any { return data })
}

// UpdateQueryData replaces the data under key with fn(old). Returning nil
// leaves the query untouched.
func (c *Client) UpdateQueryData(key QueryKey, fn func(old any) any) (any, error) {
	var (
		out any
		err error
	)
	c.turn.do(func() {
		hash, herr := HashKey(key)
		if herr != nil {
			err = &ConfigurationError{Err: herr}
			return
		}
		var old any
		if q := c.cache.queries[hash]; q != nil {
			old = q.state.Data
		}
		next := fn(old)
		if next == nil {
			out = old
			return
		}
		q, berr := c.cache.build(c.defaults(QueryOptions{QueryKey: key, QueryHash: hash}))
		if berr != nil {
			err = berr
			return
		}
		q.setData(next, time.Time{}, true)
		out = q.state.Data
	})
	return out, err
}

// InvalidateQueries marks matching queries stale and refetches the active ones.
func (c *Client) InvalidateQueries(ctx context.Context, filters QueryFilters) error {
	c.turn.do(func() {
		for _, q := range c.cache.findAll(filters) {
			q.invalidate()
		}
	})
	filters.Type = QueryTypeActive
	return c.RefetchQueries(ctx, filters)
}

// RefetchQueries refetches every matching enabled query, cancelling fetches
// already running for them, and waits for all of them. Cancelled fetches do
// not count as failures.
func (c *Client) RefetchQueries(ctx context.Context, filters QueryFilters) error {
	var flights []*flight
	c.turn.do(func() {
		for _, q := range c.cache.findAll(filters) {
			if q.isDisabled() {
				continue
			}
			flights = append(flights, q.fetch(nil, FetchOptions{CancelRefetch: true}, nil))
		}
	})
	var errs []error
	for _, f := range flights {
		if _, err := f.wait(ctx); err != nil && !IsCancelledError(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CancelQueries aborts the fetches of matching queries. Pass Revert to
// restore the state each query had before its fetch started.
func (c *Client) CancelQueries(filters QueryFilters, opts CancelOptions) {
	c.turn.do(func() {
		for _, q := range c.cache.findAll(filters) {
			q.cancel(opts)
		}
	})
}

// RemoveQueries drops matching unobserved queries and returns how many went.
func (c *Client) RemoveQueries(filters QueryFilters) int {
	var n int
	c.turn.do(func() {
		for _, q := range c.cache.findAll(filters) {
			if len(q.observers) > 0 {
				continue
			}
			c.cache.remove(q, "removed")
			n++
		}
	})
	return n
}

// ResetQueries restores matching queries to their initial state and
// refetches the active ones.
func (c *Client) ResetQueries(ctx context.Context, filters QueryFilters) error {
	c.turn.do(func() {
		for _, q := range c.cache.findAll(filters) {
			q.reset()
		}
	})
	filters.Type = QueryTypeActive
	return c.RefetchQueries(ctx, filters)
}

// IsFetching counts matching queries with a fetch in progress.
func (c *Client) IsFetching(filters QueryFilters) int {
	filters.FetchStatus = FetchFetching
	return len(c.cache.FindAll(filters))
}

// Clear removes every query from the cache.
func (c *Client) Clear() { c.cache.Clear() }

// defaults fills the zero fields of opts from the client options.
func (c *Client) defaults(opts QueryOptions) QueryOptions {
	opts.StaleTime = coalesce(opts.StaleTime, c.staleTime)
	if opts.Retry == nil {
		opts.Retry = c.retry
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = c.retryDelay
	}
	if opts.NetworkMode == "" {
		opts.NetworkMode = NetworkOnline
	}
	return opts
}

func (c *Client) retryFor(opts *QueryOptions) RetryFunc {
	if opts.Retry != nil {
		return opts.Retry
	}
	return c.retry
}

func (c *Client) share(opts *QueryOptions, prev, next any) any {
	if opts.StructuralSharing != nil {
		return opts.StructuralSharing(prev, next)
	}
	return c.sharing(prev, next)
}

// canRun is the connectivity gate. first marks the initial attempt of a
// fetch, which the offline-first mode lets through.
func (c *Client) canRun(mode NetworkMode, first bool) bool {
	switch mode {
	case NetworkAlways:
		return true
	case NetworkOfflineFirst:
		if first {
			return true
		}
	}
	return c.conn.Online()
}
