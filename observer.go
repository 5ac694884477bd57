package querycache

import (
	"context"
	"sync"
	"time"
)

// PlaceholderFunc computes placeholder data from the data of the query the
// observer was bound to before (nil if none).
type PlaceholderFunc func(prev any) any

// KeepPreviousData shows the previous key's data while the new key loads.
func KeepPreviousData(prev any) any { return prev }

// QueryObserver binds one set of options to one query, derives a
// QueryObserverResult from it and notifies listeners when that result
// changes.
type QueryObserver struct {
	client   *Client
	options  QueryOptions
	query    *Query
	infinite bool

	currentResult QueryObserverResult
	hasResult     bool

	// Update counts of the query when the observer bound to it.
	initialDataUpdateCount  int
	initialErrorUpdateCount int

	optionsGen   int
	selectQuery  *Query
	selectCount  int
	selectGen    int
	selectResult any
	lastData     any

	listeners listeners[QueryObserverResult]
	mounted   bool
	// onChange is called inside the turn after each result change.
	onChange func()

	staleTimer    Timer
	staleToken    uint64
	intervalTimer Timer
	intervalToken uint64
}

func NewQueryObserver(client *Client, opts QueryOptions) (*QueryObserver, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	var (
		o   *QueryObserver
		err error
	)
	client.turn.do(func() { o, err = newQueryObserver(client, opts, false) })
	return o, err
}

func newQueryObserver(client *Client, opts QueryOptions, infinite bool) (*QueryObserver, error) {
	o := &QueryObserver{client: client, infinite: infinite}
	if err := o.setOptions(opts); err != nil {
		return nil, err
	}
	return o, nil
}

// Subscribe registers fn for result changes. The first listener attaches
// the observer to its query and fetches unless the query is disabled or its
// data is still fresh.
func (o *QueryObserver) Subscribe(fn func(QueryObserverResult)) (unsubscribe func()) {
	var id int
	o.client.turn.do(func() {
		id = o.listeners.add(fn)
		if !o.mounted {
			o.mount()
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			o.client.turn.do(func() {
				if o.listeners.remove(id) && o.listeners.len() == 0 && o.onChange == nil {
					o.unmount()
				}
			})
		})
	}
}

// GetCurrentResult returns the last computed result.
func (o *QueryObserver) GetCurrentResult() QueryObserverResult {
	var r QueryObserverResult
	o.client.turn.locked(func() { r = o.currentResult })
	return r
}

// GetOptimisticResult computes the result opts would produce right now,
// including a fetch that subscribing would start. It neither subscribes nor
// fetches.
func (o *QueryObserver) GetOptimisticResult(opts QueryOptions) (QueryObserverResult, error) {
	var (
		r   QueryObserverResult
		err error
	)
	o.client.turn.do(func() { r, err = o.optimisticResult(opts) })
	return r, err
}

// SetOptions replaces the options. A new key rebinds the observer to
// another query, fetching it if needed.
func (o *QueryObserver) SetOptions(opts QueryOptions) error {
	var err error
	o.client.turn.do(func() { err = o.setOptions(opts) })
	return err
}

func (o *QueryObserver) Options() QueryOptions {
	var opts QueryOptions
	o.client.turn.locked(func() { opts = o.options })
	return opts
}

// Query returns the query the observer is bound to.
func (o *QueryObserver) Query() *Query {
	var q *Query
	o.client.turn.locked(func() { q = o.query })
	return q
}

// Refetch fetches the query again, cancelling a fetch in progress, and
// returns the result once it settled. The fetch error, if any, is returned
// as well as carried by the result.
func (o *QueryObserver) Refetch(ctx context.Context) (QueryObserverResult, error) {
	var f *flight
	o.client.turn.do(func() { f = o.fetch(FetchOptions{CancelRefetch: true}) })
	return o.settled(ctx, f)
}

// FetchOptimistic fetches the query opts point at and returns the result it
// produces, without rebinding the observer.
func (o *QueryObserver) FetchOptimistic(ctx context.Context, opts QueryOptions) (QueryObserverResult, error) {
	var (
		q   *Query
		f   *flight
		err error
	)
	o.client.turn.do(func() {
		opts = o.defaults(opts)
		if q, err = o.client.cache.build(opts); err != nil {
			return
		}
		f = q.fetch(&opts, FetchOptions{}, nil)
	})
	if err != nil {
		return QueryObserverResult{}, err
	}
	_, err = f.wait(ctx)
	var r QueryObserverResult
	o.client.turn.locked(func() { r = o.createResult(q, &opts, false) })
	return r, err
}

// Destroy drops every listener and detaches from the query.
func (o *QueryObserver) Destroy() {
	o.client.turn.do(func() {
		o.listeners = listeners[QueryObserverResult]{}
		o.unmount()
	})
}

func (o *QueryObserver) defaults(opts QueryOptions) QueryOptions {
	opts = o.client.defaults(opts)
	if o.infinite {
		opts.behavior = infiniteBehavior{}
	}
	return opts
}

func (o *QueryObserver) setOptions(opts QueryOptions) error {
	prevOptions, prevQuery := o.options, o.query

	o.options = o.defaults(opts)
	o.optionsGen++
	if err := o.updateQuery(); err != nil {
		o.options = prevOptions
		return err
	}
	o.query.setOptions(o.options)

	if o.mounted && shouldFetchOptionally(o.query, prevQuery, &o.options, &prevOptions) {
		o.fetch(FetchOptions{})
	}
	o.updateResult()

	if !o.mounted {
		return nil
	}
	changed := o.query != prevQuery || o.options.enabled() != prevOptions.enabled()
	if changed || o.options.StaleTime != prevOptions.StaleTime {
		o.updateStaleTimeout()
	}
	if changed || o.options.RefetchInterval != prevOptions.RefetchInterval {
		o.updateRefetchInterval()
	}
	return nil
}

// updateQuery binds the observer to the query of its current options,
// which may be a new one after a key change or a cache Clear.
func (o *QueryObserver) updateQuery() error {
	q, err := o.client.cache.build(o.options)
	if err != nil {
		return err
	}
	if q == o.query {
		return nil
	}
	prev := o.query
	o.query = q
	o.initialDataUpdateCount = q.state.DataUpdateCount
	o.initialErrorUpdateCount = q.state.ErrorUpdateCount
	if o.mounted {
		if prev != nil {
			prev.removeObserver(o)
		}
		q.addObserver(o)
	}
	return nil
}

func (o *QueryObserver) mount() {
	o.mounted = true
	if err := o.updateQuery(); err != nil {
		o.client.log.Warn("observer rebind failed", Fields{"hash": o.query.hash, "err": err})
	}
	o.query.addObserver(o)
	if shouldFetchOnMount(o.query, &o.options) {
		o.fetch(FetchOptions{})
	}
	// a fetch that joined one in flight dispatches nothing
	o.updateResult()
	o.updateTimers()
}

func (o *QueryObserver) unmount() {
	if !o.mounted {
		return
	}
	o.mounted = false
	o.clearTimers()
	o.query.removeObserver(o)
}

func (o *QueryObserver) fetch(fo FetchOptions) *flight {
	return o.fetchWithMeta(fo, nil)
}

func (o *QueryObserver) fetchWithMeta(fo FetchOptions, meta *FetchMeta) *flight {
	if err := o.updateQuery(); err != nil {
		f := newFlight()
		f.settle(nil, err)
		return f
	}
	return o.query.fetch(&o.options, fo, meta)
}

// settled waits for f and returns the result it left behind.
func (o *QueryObserver) settled(ctx context.Context, f *flight) (QueryObserverResult, error) {
	_, err := f.wait(ctx)
	var r QueryObserverResult
	o.client.turn.do(func() {
		o.updateResult()
		r = o.currentResult
	})
	return r, err
}

func (o *QueryObserver) optimisticResult(opts QueryOptions) (QueryObserverResult, error) {
	opts = o.defaults(opts)
	q, err := o.client.cache.build(opts)
	if err != nil {
		return QueryObserverResult{}, err
	}
	return o.createResult(q, &opts, true), nil
}

func (o *QueryObserver) onQueryUpdate() {
	o.updateResult()
	if o.mounted {
		o.updateTimers()
	}
}

func (o *QueryObserver) updateResult() {
	if o.query.state.Data != nil {
		o.lastData = o.query.state.Data
	}
	prev := o.currentResult
	next := o.createResult(o.query, &o.options, false)
	o.currentResult = next
	if o.hasResult && o.resultEqual(prev, next) {
		return
	}
	o.hasResult = true

	o.listeners.emit(&o.client.turn.notify, next)
	if o.onChange != nil {
		o.onChange()
	}
	o.client.cache.notify(CacheEvent{Type: EventObserverResultsUpdated, Query: o.query, Observer: o})
}

func (o *QueryObserver) resultEqual(a, b QueryObserverResult) bool {
	if o.options.ResultEqual != nil {
		return o.options.ResultEqual(a, b)
	}
	return defaultResultEqual(a, b)
}

// createResult derives the result of q under opts. optimistic reports the
// fetch that mounting (or switching to) q would start.
func (o *QueryObserver) createResult(q *Query, opts *QueryOptions, optimistic bool) QueryObserverResult {
	state := q.state
	if optimistic {
		onMount := !o.mounted && shouldFetchOnMount(q, opts)
		optionally := o.mounted && shouldFetchOptionally(q, o.query, opts, &o.options)
		if onMount || optionally {
			state = fetchingState(state, !o.client.canRun(opts.NetworkMode, true))
		}
	}

	initialData, initialErrors := o.initialDataUpdateCount, o.initialErrorUpdateCount
	if q != o.query {
		initialData, initialErrors = q.state.DataUpdateCount, q.state.ErrorUpdateCount
	}

	r := QueryObserverResult{
		Status:              state.Status,
		FetchStatus:         state.FetchStatus,
		DataUpdatedAt:       state.DataUpdatedAt,
		Error:               state.Error,
		ErrorUpdatedAt:      state.ErrorUpdatedAt,
		ErrorUpdateCount:    state.ErrorUpdateCount,
		FailureCount:        state.FetchFailureCount,
		FailureReason:       state.FetchFailureReason,
		IsEnabled:           opts.enabled(),
		IsStale:             isStale(q, opts),
		IsFetched:           state.DataUpdateCount > 0 || state.ErrorUpdateCount > 0,
		IsFetchedAfterMount: state.DataUpdateCount > initialData || state.ErrorUpdateCount > initialErrors,
	}

	if state.Data != nil {
		r.Data = o.selectData(q, opts, state)
	}
	if r.Data == nil && state.Status == StatusPending && opts.PlaceholderData != nil {
		if ph := o.placeholder(opts); ph != nil {
			r.Data = ph
			r.Status = StatusSuccess
			r.IsPlaceholderData = true
		}
	}
	if opts.isInfinite() {
		infiniteResult(&r, state, opts)
	}
	return r
}

// selectData applies Select, memoised per query, data update and options.
func (o *QueryObserver) selectData(q *Query, opts *QueryOptions, state QueryState) any {
	if opts.Select == nil {
		return state.Data
	}
	memo := opts == &o.options
	if memo && o.selectQuery == q && o.selectCount == state.DataUpdateCount && o.selectGen == o.optionsGen {
		return o.selectResult
	}
	out := o.client.share(opts, o.currentResult.Data, opts.Select(state.Data))
	if memo {
		o.selectQuery, o.selectCount, o.selectGen, o.selectResult = q, state.DataUpdateCount, o.optionsGen, out
	}
	return out
}

func (o *QueryObserver) placeholder(opts *QueryOptions) any {
	ph := opts.PlaceholderData
	switch fn := ph.(type) {
	case PlaceholderFunc:
		ph = fn(o.lastData)
	case func(any) any:
		ph = fn(o.lastData)
	}
	if ph != nil && opts.Select != nil {
		ph = opts.Select(ph)
	}
	return ph
}

func (o *QueryObserver) shouldFetchOn(mode RefetchMode) bool {
	return fetchOn(o.query, &o.options, mode)
}

func (o *QueryObserver) updateTimers() {
	o.updateStaleTimeout()
	o.updateRefetchInterval()
}

func (o *QueryObserver) clearTimers() {
	o.clearStaleTimeout()
	o.clearRefetchInterval()
}

// updateStaleTimeout arms a timer that recomputes the result once the data
// turns stale, so listeners see IsStale flip without another query update.
func (o *QueryObserver) updateStaleTimeout() {
	o.clearStaleTimeout()
	st := o.options.StaleTime
	if o.currentResult.IsStale || st == StaleNever || !o.options.enabled() {
		return
	}
	until := o.query.state.DataUpdatedAt.Add(st).Sub(o.client.sched.Now())
	token := o.staleToken
	o.staleTimer = o.client.sched.AfterFunc(max(until, 0)+time.Millisecond, func() {
		o.client.turn.do(func() {
			if token != o.staleToken {
				return
			}
			o.staleTimer = nil
			o.updateResult()
		})
	})
}

func (o *QueryObserver) clearStaleTimeout() {
	o.staleToken++
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
}

func (o *QueryObserver) updateRefetchInterval() {
	o.clearRefetchInterval()
	d := o.options.RefetchInterval
	if d <= 0 || !o.options.enabled() {
		return
	}
	token := o.intervalToken
	o.intervalTimer = o.client.sched.AfterFunc(d, func() {
		o.client.turn.do(func() {
			if token != o.intervalToken {
				return
			}
			o.intervalTimer = nil
			if o.options.RefetchIntervalInBackground || o.client.focus.Focused() {
				o.fetch(FetchOptions{})
			}
			o.updateRefetchInterval()
		})
	})
}

func (o *QueryObserver) clearRefetchInterval() {
	o.intervalToken++
	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
}

func isStale(q *Query, opts *QueryOptions) bool {
	return opts.enabled() && q.isStaleByTime(opts.StaleTime)
}

func shouldLoadOnMount(q *Query, opts *QueryOptions) bool {
	return opts.enabled() &&
		q.state.Data == nil &&
		!(q.state.Status == StatusError && opts.RetryOnMountDisabled)
}

func shouldFetchOnMount(q *Query, opts *QueryOptions) bool {
	return shouldLoadOnMount(q, opts) ||
		(q.state.Data != nil && fetchOn(q, opts, opts.RefetchOnMount))
}

func fetchOn(q *Query, opts *QueryOptions, mode RefetchMode) bool {
	if !opts.enabled() {
		return false
	}
	switch mode {
	case RefetchAlways:
		return true
	case RefetchNever:
		return false
	}
	return isStale(q, opts)
}

func shouldFetchOptionally(q, prevQuery *Query, opts, prevOpts *QueryOptions) bool {
	return (q != prevQuery || !prevOpts.enabled()) && isStale(q, opts)
}
