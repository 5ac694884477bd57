package querycache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribeRecorder(t *testing.T, o *QueryObserver) (*recorder[QueryObserverResult], func()) {
	t.Helper()
	rec := &recorder[QueryObserverResult]{}
	return rec, o.Subscribe(rec.add)
}

func TestQueryObserver_SubscribeFetchesAndNotifies(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: "d"}
	obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn})
	require.NoError(t, err)

	initial := obs.GetCurrentResult()
	assert.Equal(t, StatusPending, initial.Status)
	assert.Equal(t, FetchIdle, initial.FetchStatus)

	rec, unsub := subscribeRecorder(t, obs)
	defer unsub()
	s.runPending()

	got := rec.all()
	require.Len(t, got, 2)
	assert.True(t, got[0].IsLoading())
	assert.True(t, got[1].IsSuccess())
	assert.Equal(t, FetchIdle, got[1].FetchStatus)
	assert.Equal(t, "d", got[1].Data)
	assert.True(t, got[1].IsFetchedAfterMount)
	assert.Equal(t, 1, fn.count())
	assert.Equal(t, got[1], obs.GetCurrentResult())
}

func TestQueryObserver_FreshDataIsNotRefetched(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: 1}
	opts := QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn, StaleTime: time.Minute}

	first, err := NewQueryObserver(c, opts)
	require.NoError(t, err)
	defer first.Subscribe(func(QueryObserverResult) {})()
	s.runPending()

	second, err := NewQueryObserver(c, opts)
	require.NoError(t, err)
	defer second.Subscribe(func(QueryObserverResult) {})()
	s.runPending()

	r := second.GetCurrentResult()
	assert.Equal(t, 1, fn.count())
	assert.Equal(t, 1, r.Data)
	assert.False(t, r.IsStale)
	assert.False(t, r.IsFetchedAfterMount, "data predates the second observer")
}

func TestQueryObserver_DisabledDoesNotFetch(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: 1}
	obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn, Disabled: true})
	require.NoError(t, err)
	defer obs.Subscribe(func(QueryObserverResult) {})()
	s.runPending()

	r := obs.GetCurrentResult()
	assert.Zero(t, fn.count())
	assert.False(t, r.IsEnabled)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, FetchIdle, r.FetchStatus)

	require.NoError(t, obs.SetOptions(QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn}))
	s.runPending()
	assert.Equal(t, 1, fn.count(), "enabling fetches the stale query")
}

func TestQueryObserver_ObserversShareOneFetch(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: "x"}
	var recs []*recorder[QueryObserverResult]
	for i := 0; i < 3; i++ {
		obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"shared"}, QueryFn: fn.fn})
		require.NoError(t, err)
		rec, unsub := subscribeRecorder(t, obs)
		defer unsub()
		recs = append(recs, rec)
	}
	s.runPending()

	assert.Equal(t, 1, fn.count())
	for _, rec := range recs {
		got := rec.all()
		require.NotEmpty(t, got)
		assert.Equal(t, "x", got[len(got)-1].Data)
	}
	assert.Equal(t, 3, c.QueryCache().Find(QueryFilters{QueryKey: QueryKey{"shared"}}).ObserverCount())
}

func TestQueryObserver_JoiningInFlightFetchShowsFetching(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: "x"}
	opts := QueryOptions{QueryKey: QueryKey{"shared"}, QueryFn: fn.fn}
	o1, err := NewQueryObserver(c, opts)
	require.NoError(t, err)
	o2, err := NewQueryObserver(c, opts)
	require.NoError(t, err)

	defer o1.Subscribe(func(QueryObserverResult) {})()
	rec, unsub := subscribeRecorder(t, o2)
	defer unsub()

	assert.Equal(t, FetchFetching, o1.Query().State().FetchStatus)
	assert.Equal(t, FetchFetching, o1.GetCurrentResult().FetchStatus)
	assert.Equal(t, FetchFetching, o2.GetCurrentResult().FetchStatus)

	s.runPending()
	assert.Equal(t, 1, fn.count())
	got := rec.all()
	require.Len(t, got, 2)
	assert.True(t, got[0].IsLoading())
	assert.Equal(t, "x", got[1].Data)
}

func TestQueryObserver_SelectIsMemoised(t *testing.T) {
	c, s := newTestClient(t, Options{})
	calls := 0
	double := func(d any) any {
		calls++
		return d.(int) * 2
	}
	opts := QueryOptions{QueryKey: QueryKey{"n"}, QueryFn: (&counter{data: 21}).fn, Select: double}
	obs, err := NewQueryObserver(c, opts)
	require.NoError(t, err)
	defer obs.Subscribe(func(QueryObserverResult) {})()
	s.runPending()

	assert.Equal(t, 42, obs.GetCurrentResult().Data)
	assert.Equal(t, 1, calls)

	// a state change that leaves the data alone reuses the selection
	obs.Query().Invalidate()
	assert.True(t, obs.GetCurrentResult().IsStale)
	assert.Equal(t, 1, calls)

	opts.Select = func(d any) any {
		calls++
		return d.(int) + 1
	}
	require.NoError(t, obs.SetOptions(opts))
	assert.Equal(t, 22, obs.GetCurrentResult().Data)
	assert.Equal(t, 2, calls)
}

func TestQueryObserver_ResultEqualSuppressesNotifications(t *testing.T) {
	c, s := newTestClient(t, Options{})
	obs, err := NewQueryObserver(c, QueryOptions{
		QueryKey:    QueryKey{"a"},
		QueryFn:     (&counter{data: 1}).fn,
		ResultEqual: CompareFields(FieldData),
	})
	require.NoError(t, err)
	rec, unsub := subscribeRecorder(t, obs)
	defer unsub()
	s.runPending()

	obs.Query().Invalidate()

	got := rec.all()
	require.Len(t, got, 1, "only the data change is delivered")
	assert.Equal(t, 1, got[0].Data)
	assert.True(t, obs.GetCurrentResult().IsStale, "the current result is still kept up to date")
}

func TestQueryObserver_KeyChangeRebindsWithPlaceholder(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := func(_ context.Context, fc FetchContext) (any, error) { return fc.QueryKey[0], nil }
	opts := QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn, PlaceholderData: KeepPreviousData}
	obs, err := NewQueryObserver(c, opts)
	require.NoError(t, err)
	defer obs.Subscribe(func(QueryObserverResult) {})()
	s.runPending()
	qa := obs.Query()

	opts.QueryKey = QueryKey{"b"}
	require.NoError(t, obs.SetOptions(opts))
	r := obs.GetCurrentResult()
	assert.True(t, r.IsPlaceholderData)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, "a", r.Data)
	assert.True(t, r.IsFetching())

	s.runPending()
	r = obs.GetCurrentResult()
	assert.False(t, r.IsPlaceholderData)
	assert.Equal(t, "b", r.Data)
	assert.Equal(t, QueryKey{"b"}, obs.Query().Key())

	assert.Zero(t, qa.ObserverCount())
	s.advance(defaultGCTime)
	assert.Nil(t, c.QueryCache().Get(qa.Hash()), "the abandoned query is collected")
}

func TestQueryObserver_PlaceholderValue(t *testing.T) {
	c, _ := newTestClient(t, Options{})
	obs, err := NewQueryObserver(c, QueryOptions{
		QueryKey:        QueryKey{"a"},
		QueryFn:         (&counter{data: 1}).fn,
		PlaceholderData: 0,
	})
	require.NoError(t, err)
	r := obs.GetCurrentResult()
	assert.Equal(t, 0, r.Data)
	assert.True(t, r.IsPlaceholderData)
	assert.Equal(t, StatusPending, obs.Query().State().Status, "placeholders never reach the cache")
}

func TestQueryObserver_StaleTimerFlipsIsStale(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: 1}
	obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn, StaleTime: time.Minute})
	require.NoError(t, err)
	rec, unsub := subscribeRecorder(t, obs)
	defer unsub()
	s.runPending()
	require.False(t, obs.GetCurrentResult().IsStale)

	s.advance(time.Minute + time.Millisecond)

	got := rec.all()
	assert.True(t, got[len(got)-1].IsStale)
	assert.Equal(t, 1, fn.count(), "turning stale alone does not refetch")
}

func TestQueryObserver_RefetchInterval(t *testing.T) {
	focus := NewSignal(true)
	c, s := newTestClient(t, Options{Focus: focus})
	fn := &counter{data: 1}
	obs, err := NewQueryObserver(c, QueryOptions{
		QueryKey:        QueryKey{"a"},
		QueryFn:         fn.fn,
		StaleTime:       StaleNever,
		RefetchInterval: 10 * time.Second,
	})
	require.NoError(t, err)
	unsub := obs.Subscribe(func(QueryObserverResult) {})
	s.runPending()
	require.Equal(t, 1, fn.count())

	s.advance(10 * time.Second)
	assert.Equal(t, 2, fn.count())

	focus.Set(false)
	s.advance(10 * time.Second)
	assert.Equal(t, 2, fn.count(), "background intervals are skipped")

	focus.Set(true)
	s.advance(10 * time.Second)
	assert.Equal(t, 3, fn.count())

	unsub()
	s.advance(time.Minute)
	assert.Equal(t, 3, fn.count())
}

func TestQueryObserver_GetOptimisticResult(t *testing.T) {
	c, s := newTestClient(t, Options{})
	fn := &counter{data: 1}
	obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn})
	require.NoError(t, err)

	r, err := obs.GetOptimisticResult(QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn})
	require.NoError(t, err)
	assert.True(t, r.IsLoading(), "reports the fetch subscribing would start")

	r, err = obs.GetOptimisticResult(QueryOptions{QueryKey: QueryKey{"a"}, Disabled: true})
	require.NoError(t, err)
	assert.Equal(t, FetchIdle, r.FetchStatus)

	assert.Zero(t, s.runPending())
	assert.Zero(t, fn.count())
	assert.Equal(t, FetchIdle, obs.GetCurrentResult().FetchStatus)
}

func TestQueryObserver_RefetchReturnsSettledResult(t *testing.T) {
	c := New(Options{})
	fn := &counter{data: 1}
	obs, err := NewQueryObserver(c, QueryOptions{
		QueryKey: QueryKey{"a"},
		QueryFn:  fn.fn,
		Retry:    RetryNever(),
		Disabled: true,
	})
	require.NoError(t, err)

	r, err := obs.Refetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Data)

	fn.set(nil, errBoom)
	r, err = obs.Refetch(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.True(t, r.IsRefetchError())
	assert.Equal(t, 1, r.Data, "data survives a failed refetch")
}

func TestQueryObserver_DestroyDetaches(t *testing.T) {
	c, s := newTestClient(t, Options{})
	obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: (&counter{data: 1}).fn})
	require.NoError(t, err)
	rec, _ := subscribeRecorder(t, obs)
	s.runPending()
	n := rec.len()

	obs.Destroy()
	assert.Zero(t, obs.Query().ObserverCount())
	obs.Query().SetData(2, SetDataOptions{})
	assert.Equal(t, n, rec.len())
}

func TestQueryObserver_RefetchOnFocusAndReconnect(t *testing.T) {
	focus, conn := NewSignal(true), NewSignal(false)
	c, s := newTestClient(t, Options{Focus: focus, Connectivity: conn})
	c.Mount()
	defer c.Unmount()

	fn := &counter{data: 1}
	obs, err := NewQueryObserver(c, QueryOptions{QueryKey: QueryKey{"a"}, QueryFn: fn.fn})
	require.NoError(t, err)
	defer obs.Subscribe(func(QueryObserverResult) {})()
	s.runPending()

	assert.True(t, obs.GetCurrentResult().IsPaused(), "offline fetches wait")
	assert.Zero(t, fn.count())

	conn.Set(true)
	s.runPending()
	assert.Equal(t, 1, fn.count())
	assert.True(t, obs.GetCurrentResult().IsSuccess())

	focus.Set(false)
	focus.Set(true)
	s.runPending()
	assert.Equal(t, 2, fn.count(), "regaining focus refetches stale data")

	require.NoError(t, obs.SetOptions(QueryOptions{
		QueryKey:             QueryKey{"a"},
		QueryFn:              fn.fn,
		RefetchOnWindowFocus: RefetchNever,
	}))
	focus.Set(false)
	focus.Set(true)
	s.runPending()
	assert.Equal(t, 2, fn.count())
}
