package querycache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

type actionKind string

const (
	actionFetch      actionKind = "fetch"
	actionSuccess    actionKind = "success"
	actionError      actionKind = "error"
	actionFailed     actionKind = "failed"
	actionPause      actionKind = "pause"
	actionContinue   actionKind = "continue"
	actionInvalidate actionKind = "invalidate"
	actionSetState   actionKind = "setState"
)

type action struct {
	kind         actionKind
	data         any
	updatedAt    time.Time
	manual       bool
	err          error
	failureCount int
	meta         *FetchMeta
	state        QueryState
}

// Query owns the cached state of one query hash and runs its fetches.
//
// Methods take the client's turn lock; do not call them from inside Select,
// StructuralSharing or Hooks callbacks.
type Query struct {
	client *Client
	cache  *QueryCache
	key    QueryKey
	hash   string

	options QueryOptions
	gcTime  time.Duration

	state        QueryState
	initialState QueryState
	revertState  *QueryState

	retryer   *Retryer
	flight    *flight
	observers []*QueryObserver

	gcTimer Timer
	gcToken uint64
	removed bool
}

// flight is the shared outcome of one fetch; joined fetches wait on it.
type flight struct {
	done chan struct{}
	data any
	err  error
}

func newFlight() *flight { return &flight{done: make(chan struct{})} }

func (f *flight) settle(data any, err error) {
	f.data, f.err = data, err
	close(f.done)
}

func (f *flight) wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newQuery(cache *QueryCache, hash string, opts QueryOptions) *Query {
	q := &Query{
		client: cache.client,
		cache:  cache,
		key:    opts.QueryKey,
		hash:   hash,
	}
	q.setOptions(opts)
	q.initialState = initialQueryState(&opts, cache.client.sched.Now())
	q.state = q.initialState
	q.scheduleGc()
	return q
}

func initialQueryState(opts *QueryOptions, now time.Time) QueryState {
	s := QueryState{Status: StatusPending, FetchStatus: FetchIdle}
	if opts.InitialData != nil {
		s.Data = opts.InitialData
		s.Status = StatusSuccess
		s.DataUpdatedAt = coalesce(opts.InitialDataUpdatedAt, now)
	}
	return s
}

func (q *Query) Key() QueryKey { return q.key }
func (q *Query) Hash() string  { return q.hash }

// State returns a snapshot of the cached state.
func (q *Query) State() QueryState {
	var s QueryState
	q.client.turn.locked(func() { s = q.state })
	return s
}

// Options returns the options the query was last fetched or built with.
func (q *Query) Options() QueryOptions {
	var o QueryOptions
	q.client.turn.locked(func() { o = q.options })
	return o
}

func (q *Query) ObserverCount() int {
	var n int
	q.client.turn.locked(func() { n = len(q.observers) })
	return n
}

// IsActive reports whether at least one enabled observer is attached.
func (q *Query) IsActive() bool {
	var b bool
	q.client.turn.locked(func() { b = q.isActive() })
	return b
}

func (q *Query) IsDisabled() bool {
	var b bool
	q.client.turn.locked(func() { b = q.isDisabled() })
	return b
}

// IsStale reports whether any observer considers the data stale, or, without
// observers, whether there is no data or it was invalidated.
func (q *Query) IsStale() bool {
	var b bool
	q.client.turn.locked(func() { b = q.isStale() })
	return b
}

func (q *Query) IsStaleByTime(staleTime time.Duration) bool {
	var b bool
	q.client.turn.locked(func() { b = q.isStaleByTime(staleTime) })
	return b
}

// Fetch starts a fetch, or joins the one in flight, and waits for its outcome.
// ctx only bounds the wait; use Cancel to abort the fetch itself.
func (q *Query) Fetch(ctx context.Context, opts *QueryOptions, fo FetchOptions) (any, error) {
	var f *flight
	q.client.turn.do(func() { f = q.fetch(opts, fo, nil) })
	return f.wait(ctx)
}

// Cancel aborts the fetch in flight, if any.
func (q *Query) Cancel(opts CancelOptions) {
	q.client.turn.do(func() { q.cancel(opts) })
}

// SetDataOptions tune a direct data write.
type SetDataOptions struct {
	UpdatedAt time.Time // zero => now
}

// SetData writes data directly, bypassing any fetch, and notifies observers.
func (q *Query) SetData(data any, opts SetDataOptions) {
	q.client.turn.do(func() { q.setData(data, opts.UpdatedAt, true) })
}

// SetError puts the query into the error state directly.
func (q *Query) SetError(err error) {
	q.client.turn.do(func() { q.dispatch(action{kind: actionError, err: err, manual: true}) })
}

// SetState replaces the whole state.
func (q *Query) SetState(state QueryState) {
	q.client.turn.do(func() { q.setState(state) })
}

// Invalidate marks the data stale regardless of StaleTime.
func (q *Query) Invalidate() {
	q.client.turn.do(q.invalidate)
}

// Reset cancels any fetch and restores the initial state.
func (q *Query) Reset() {
	q.client.turn.do(q.reset)
}

func (q *Query) setOptions(opts QueryOptions) {
	q.options = opts
	q.updateGcTime(opts.GCTime)
}

func (q *Query) updateGcTime(t time.Duration) {
	t = coalesce(t, q.client.gcTime)
	switch {
	case q.gcTime == GCTimeNever || t == GCTimeNever:
		q.gcTime = GCTimeNever
	default:
		q.gcTime = max(q.gcTime, t)
	}
}

func (q *Query) scheduleGc() {
	q.clearGc()
	if q.gcTime == GCTimeNever || q.removed {
		return
	}
	q.gcToken++
	token := q.gcToken
	q.gcTimer = q.client.sched.AfterFunc(q.gcTime, func() {
		q.client.turn.do(func() {
			if token == q.gcToken {
				q.gcTimer = nil
				q.optionalRemove()
			}
		})
	})
}

func (q *Query) clearGc() {
	q.gcToken++
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

func (q *Query) optionalRemove() {
	if len(q.observers) == 0 && q.state.FetchStatus == FetchIdle {
		q.cache.remove(q, "gc")
	}
}

func (q *Query) isActive() bool {
	for _, o := range q.observers {
		if o.options.enabled() {
			return true
		}
	}
	return false
}

func (q *Query) isDisabled() bool {
	if len(q.observers) > 0 {
		return !q.isActive()
	}
	return q.state.DataUpdateCount+q.state.ErrorUpdateCount == 0
}

func (q *Query) isStale() bool {
	if len(q.observers) > 0 {
		for _, o := range q.observers {
			if o.currentResult.IsStale {
				return true
			}
		}
		return false
	}
	return q.state.Data == nil || q.state.IsInvalidated
}

func (q *Query) isStaleByTime(staleTime time.Duration) bool {
	switch {
	case q.state.Data == nil:
		return true
	case staleTime == StaleNever:
		return false
	case q.state.IsInvalidated:
		return true
	}
	return !q.client.sched.Now().Before(q.state.DataUpdatedAt.Add(staleTime))
}

func (q *Query) invalidate() {
	if !q.state.IsInvalidated {
		q.dispatch(action{kind: actionInvalidate})
	}
}

func (q *Query) reset() {
	q.destroy()
	q.setState(q.initialState)
	if len(q.observers) == 0 {
		q.scheduleGc()
	}
}

func (q *Query) destroy() {
	q.clearGc()
	q.cancel(CancelOptions{Silent: true})
}

func (q *Query) cancel(opts CancelOptions) {
	if q.retryer != nil {
		q.retryer.cancel(opts)
	}
}

func (q *Query) setState(state QueryState) {
	q.dispatch(action{kind: actionSetState, state: state})
}

func (q *Query) setData(data any, updatedAt time.Time, manual bool) {
	data = q.client.share(&q.options, q.state.Data, data)
	q.dispatch(action{kind: actionSuccess, data: data, updatedAt: updatedAt, manual: manual})
	if manual && q.inFlight() {
		// a cancelled fetch reverts to the written data, not to what came before it
		s := q.state
		q.revertState = &s
	}
}

func (q *Query) inFlight() bool {
	return q.retryer != nil && !q.retryer.settled
}

// fetch starts a fetch or joins the outstanding one. Must run inside a turn.
func (q *Query) fetch(opts *QueryOptions, fo FetchOptions, meta *FetchMeta) *flight {
	if q.state.FetchStatus != FetchIdle && q.inFlight() {
		if q.state.Data != nil && fo.CancelRefetch {
			q.cancel(CancelOptions{Silent: true})
		} else if q.flight != nil {
			// dedup: join the running fetch
			q.retryer.continueRetry()
			return q.flight
		}
	}

	if opts != nil {
		q.setOptions(*opts)
	}
	if q.options.QueryFn == nil {
		for _, o := range q.observers {
			if o.options.QueryFn != nil {
				q.setOptions(o.options)
				break
			}
		}
	}

	fn := q.fetchFn(meta)

	prev := q.state
	q.revertState = &prev

	if q.state.FetchStatus == FetchIdle || !sameFetchMeta(q.state.FetchMeta, meta) {
		q.dispatch(action{kind: actionFetch, meta: meta})
	}

	f := newFlight()
	q.flight = f
	mode := q.options.NetworkMode
	q.retryer = NewRetryer(RetryerConfig{
		Fn:         fn,
		Retry:      q.client.retryFor(&q.options),
		RetryDelay: q.options.RetryDelay,
		CanRun: func(first bool) bool {
			return q.client.canRun(mode, first)
		},
		OnSuccess:  func(data any) { q.onFetchSuccess(f, data) },
		OnError:    func(err error) { q.onFetchError(f, err) },
		OnFail:     q.onFetchFail,
		OnPause:    q.onFetchPause,
		OnContinue: func() { q.dispatch(action{kind: actionContinue}) },
		Scheduler:  q.client.sched,
		Turn:       q.client.turn.do,
	})
	q.retryer.start()
	return f
}

func (q *Query) fetchFn(meta *FetchMeta) func(context.Context) (any, error) {
	opts := q.options
	hash := q.hash
	fc := FetchContext{QueryKey: q.key, Meta: opts.Meta, Client: q.client}

	queryFn := opts.QueryFn
	if queryFn == nil {
		queryFn = func(context.Context, FetchContext) (any, error) {
			return nil, missingQueryFn(hash)
		}
	}

	var fn func(context.Context) (any, error)
	if opts.behavior != nil {
		fn = opts.behavior.fetchFn(q.state, &opts, meta, queryFn, fc)
	} else {
		fn = func(ctx context.Context) (any, error) { return queryFn(ctx, fc) }
	}

	if opts.Persister != nil && opts.QueryFn != nil {
		inner := fn
		pc := PersistContext{QueryKey: q.key, QueryHash: hash, Meta: opts.Meta, StaleTime: opts.StaleTime}
		fn = func(ctx context.Context) (any, error) {
			return opts.Persister(ctx, inner, pc, q)
		}
	}
	return fn
}

func (q *Query) onFetchSuccess(f *flight, data any) {
	if data == nil {
		q.onFetchError(f, &ConfigurationError{
			Hash: q.hash,
			Msg:  fmt.Sprintf("Query data cannot be nil: '%s'", q.hash),
		})
		return
	}
	q.setData(data, time.Time{}, false)
	q.client.log.Debug("query fetched", Fields{"hash": q.hash})
	f.settle(q.state.Data, nil)
	q.afterFetch()
}

func (q *Query) onFetchError(f *flight, err error) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		q.client.hooks.FetchCancelled(q.hash, ce.Revert, ce.Silent)
		// without prior data there is nothing to revert to; the cancel is
		// an error even when silent
		if prior := q.revertState; prior != nil && prior.Data != nil && (ce.Silent || ce.Revert) {
			reverted := *prior
			reverted.FetchStatus = FetchIdle
			q.setState(reverted)
			f.settle(reverted.Data, nil)
			q.afterFetch()
			return
		}
	}

	q.dispatch(action{kind: actionError, err: err})
	if ce == nil {
		q.client.hooks.FetchFailed(q.hash, err)
		q.client.log.Warn("query fetch failed", Fields{"hash": q.hash, "err": err})
	}
	f.settle(nil, err)
	q.afterFetch()
}

func (q *Query) onFetchFail(failureCount int, err error) {
	q.dispatch(action{kind: actionFailed, failureCount: failureCount, err: err})
	q.client.hooks.FetchRetry(q.hash, failureCount, err)
	q.client.log.Info("query fetch attempt failed; retrying", Fields{
		"hash":         q.hash,
		"failureCount": failureCount,
		"err":          err,
	})
}

func (q *Query) onFetchPause() {
	q.dispatch(action{kind: actionPause})
	q.client.hooks.FetchPaused(q.hash)
}

func (q *Query) afterFetch() {
	q.revertState = nil
	if len(q.observers) == 0 {
		q.scheduleGc()
	}
}

func (q *Query) dispatch(a action) {
	q.state = q.reduce(q.state, a)
	for _, o := range slices.Clone(q.observers) {
		o.onQueryUpdate()
	}
	q.cache.notify(CacheEvent{Type: EventUpdated, Query: q, Action: string(a.kind)})
}

func (q *Query) reduce(s QueryState, a action) QueryState {
	switch a.kind {
	case actionFailed:
		s.FetchFailureCount = a.failureCount
		s.FetchFailureReason = a.err
	case actionPause:
		s.FetchStatus = FetchPaused
	case actionContinue:
		s.FetchStatus = FetchFetching
	case actionFetch:
		s = fetchingState(s, !q.client.canRun(q.options.NetworkMode, true))
		s.FetchMeta = a.meta
	case actionSuccess:
		s.Data = a.data
		s.DataUpdateCount++
		s.DataUpdatedAt = coalesce(a.updatedAt, q.client.sched.Now())
		s.Error = nil
		s.IsInvalidated = false
		s.Status = StatusSuccess
		if !a.manual {
			s.FetchStatus = FetchIdle
			s.FetchFailureCount = 0
			s.FetchFailureReason = nil
		}
	case actionError:
		s.Error = a.err
		s.ErrorUpdateCount++
		s.ErrorUpdatedAt = q.client.sched.Now()
		s.Status = StatusError
		if !a.manual {
			s.FetchFailureCount++
			s.FetchFailureReason = a.err
			s.FetchStatus = FetchIdle
		}
	case actionInvalidate:
		s.IsInvalidated = true
	case actionSetState:
		s = a.state
	}
	return s
}

// fetchingState is the state a fetch starts from: fetching (or paused when
// the gate is closed), pending when there is no data yet.
func fetchingState(s QueryState, paused bool) QueryState {
	s.FetchFailureCount = 0
	s.FetchFailureReason = nil
	s.FetchStatus = FetchFetching
	if paused {
		s.FetchStatus = FetchPaused
	}
	if s.Data == nil {
		s.Error = nil
		s.Status = StatusPending
	}
	return s
}

func (q *Query) addObserver(o *QueryObserver) {
	if slices.Contains(q.observers, o) {
		return
	}
	q.observers = append(q.observers, o)
	q.clearGc()
	q.cache.notify(CacheEvent{Type: EventObserverAdded, Query: q, Observer: o})
}

func (q *Query) removeObserver(o *QueryObserver) {
	i := slices.Index(q.observers, o)
	if i < 0 {
		return
	}
	q.observers = slices.Delete(q.observers, i, i+1)
	if len(q.observers) == 0 {
		if q.inFlight() {
			q.retryer.cancelRetry()
		}
		q.scheduleGc()
	}
	q.cache.notify(CacheEvent{Type: EventObserverRemoved, Query: q, Observer: o})
}

func (q *Query) onFocus() {
	for _, o := range q.observers {
		if o.shouldFetchOn(o.options.RefetchOnWindowFocus) {
			o.fetch(FetchOptions{})
			break
		}
	}
	if q.retryer != nil {
		q.retryer.resume()
	}
}

func (q *Query) onOnline() {
	for _, o := range q.observers {
		if o.shouldFetchOn(o.options.RefetchOnReconnect) {
			o.fetch(FetchOptions{})
			break
		}
	}
	if q.retryer != nil {
		q.retryer.resume()
	}
}

func sameFetchMeta(a, b *FetchMeta) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
