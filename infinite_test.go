package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageOptions(key string) QueryOptions {
	return QueryOptions{
		QueryKey:         QueryKey{key},
		InitialPageParam: 1,
		QueryFn: func(_ context.Context, fc FetchContext) (any, error) {
			return fc.PageParam, nil
		},
		GetNextPageParam: func(_ any, _ []any, param any, _ []any) any {
			return param.(int) + 1
		},
		GetPreviousPageParam: func(_ any, _ []any, param any, _ []any) any {
			return param.(int) - 1
		},
	}
}

func pages(t *testing.T, r QueryObserverResult) []any {
	t.Helper()
	d, ok := r.Data.(InfiniteData)
	require.True(t, ok, "data is %T", r.Data)
	return d.Pages
}

func TestInfiniteQueryObserver_PagesInBothDirections(t *testing.T) {
	ctx := context.Background()
	opts := pageOptions("pages")
	opts.MaxPages = 2
	obs, err := NewInfiniteQueryObserver(New(Options{}), opts)
	require.NoError(t, err)

	r, err := obs.Refetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, pages(t, r))

	steps := []struct {
		fetch func(context.Context) (QueryObserverResult, error)
		want  []any
	}{
		{obs.FetchNextPage, []any{1, 2}},
		{obs.FetchPreviousPage, []any{0, 1}},
		{obs.FetchPreviousPage, []any{-1, 0}},
		{obs.FetchNextPage, []any{0, 1}},
	}
	for i, step := range steps {
		r, err = step.fetch(ctx)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.want, pages(t, r), "step %d", i)
		assert.Equal(t, step.want, r.Data.(InfiniteData).PageParams, "step %d", i)
	}
	assert.True(t, r.HasNextPage)
	assert.True(t, r.HasPreviousPage)
	assert.False(t, r.IsFetchingNextPage)
}

func TestInfiniteQueryObserver_NilParamIsNoop(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	opts := pageOptions("bounded")
	opts.QueryFn = func(_ context.Context, fc FetchContext) (any, error) {
		calls.Add(1)
		return fc.PageParam, nil
	}
	opts.GetNextPageParam = func(_ any, _ []any, param any, _ []any) any {
		if param.(int) >= 2 {
			return nil
		}
		return param.(int) + 1
	}
	opts.GetPreviousPageParam = nil
	obs, err := NewInfiniteQueryObserver(New(Options{}), opts)
	require.NoError(t, err)

	_, err = obs.Refetch(ctx)
	require.NoError(t, err)
	r, err := obs.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.False(t, r.HasNextPage)
	assert.False(t, r.HasPreviousPage)

	r, err = obs.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, pages(t, r))
	r, err = obs.FetchPreviousPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, pages(t, r))
	assert.Equal(t, int32(2), calls.Load())
}

func TestInfiniteQueryObserver_RefetchRecomputesParams(t *testing.T) {
	ctx := context.Background()
	var step atomic.Int32
	step.Store(1)
	opts := pageOptions("recompute")
	opts.QueryFn = func(_ context.Context, fc FetchContext) (any, error) {
		return fc.PageParam.(int) * int(step.Load()), nil
	}
	opts.GetNextPageParam = func(page any, _ []any, _ any, _ []any) any {
		return page.(int) + 1
	}
	obs, err := NewInfiniteQueryObserver(New(Options{}), opts)
	require.NoError(t, err)

	_, err = obs.Refetch(ctx)
	require.NoError(t, err)
	r, err := obs.FetchNextPage(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{1, 2}, pages(t, r))

	step.Store(4)
	r, err = obs.Refetch(ctx)
	require.NoError(t, err)
	d := r.Data.(InfiniteData)
	assert.Equal(t, []any{4, 20}, d.Pages)
	assert.Equal(t, []any{1, 5}, d.PageParams, "params after the first follow the fresh pages")
}

func TestInfiniteQueryObserver_RefetchRetriesFromFirstPage(t *testing.T) {
	c, s := newTestClient(t, Options{})
	var (
		mu     sync.Mutex
		calls  []any
		failed bool
	)
	opts := pageOptions("retry")
	opts.Retry = RetryTimes(1)
	opts.RetryDelay = fixedDelay(time.Second)
	opts.QueryFn = func(_ context.Context, fc FetchContext) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, fc.PageParam)
		if fc.PageParam == 2 && !failed {
			failed = true
			return nil, errBoom
		}
		return fc.PageParam, nil
	}
	obs, err := NewInfiniteQueryObserver(c, opts)
	require.NoError(t, err)
	_, err = c.SetQueryData(opts.QueryKey, InfiniteData{Pages: []any{1, 2, 3}, PageParams: []any{1, 2, 3}})
	require.NoError(t, err)

	var f *flight
	c.turn.do(func() { f = obs.fetch(FetchOptions{}) })
	s.runPending()
	require.False(t, isSettled(f))
	assert.Equal(t, 1, obs.Query().State().FetchFailureCount)

	s.advance(time.Second)
	require.True(t, isSettled(f))

	st := obs.Query().State()
	assert.Equal(t, StatusSuccess, st.Status)
	assert.Equal(t, InfiniteData{Pages: []any{1, 2, 3}, PageParams: []any{1, 2, 3}}, st.Data)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{1, 2, 1, 2, 3}, calls, "a retry starts over from the first page")
}

func TestInfiniteQueryObserver_NilInitialParam(t *testing.T) {
	obs, err := NewInfiniteQueryObserver(New(Options{}), QueryOptions{
		QueryKey: QueryKey{"single"},
		QueryFn: func(_ context.Context, fc FetchContext) (any, error) {
			if fc.PageParam != nil {
				return nil, errBoom
			}
			return "first", nil
		},
		GetNextPageParam: func(any, []any, any, []any) any { return nil },
	})
	require.NoError(t, err)

	r, err := obs.Refetch(context.Background())
	require.NoError(t, err)
	d := r.Data.(InfiniteData)
	assert.Equal(t, []any{"first"}, d.Pages)
	assert.Equal(t, []any{nil}, d.PageParams)
	assert.False(t, r.HasNextPage)
}

func TestInfiniteQueryObserver_CancelKeepsPages(t *testing.T) {
	c, s := newTestClient(t, Options{})
	obs, err := NewInfiniteQueryObserver(c, pageOptions("cancel"))
	require.NoError(t, err)
	defer obs.Subscribe(func(QueryObserverResult) {})()
	s.runPending()
	require.Equal(t, []any{1}, pages(t, obs.GetCurrentResult()))

	var f *flight
	c.turn.do(func() {
		f = obs.fetchWithMeta(FetchOptions{CancelRefetch: true}, &FetchMeta{Direction: Forward})
	})
	r := obs.GetCurrentResult()
	assert.True(t, r.IsFetchingNextPage)
	assert.False(t, r.IsFetchingPreviousPage)

	obs.Query().Cancel(CancelOptions{Revert: true})
	s.runPending()

	require.True(t, isSettled(f))
	data, err := f.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{1}, data.(InfiniteData).Pages)

	r = obs.GetCurrentResult()
	assert.Equal(t, []any{1}, pages(t, r))
	assert.False(t, r.IsFetchingNextPage)
	assert.Equal(t, FetchIdle, r.FetchStatus)
}

func TestClient_FetchInfiniteQuery(t *testing.T) {
	c := New(Options{})
	d, err := c.FetchInfiniteQuery(context.Background(), pageOptions("client"))
	require.NoError(t, err)
	assert.Equal(t, []any{1}, d.Pages)

	obs, err := NewInfiniteQueryObserver(c, pageOptions("client"))
	require.NoError(t, err)
	r, err := obs.FetchNextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, pages(t, r), "observers continue from the cached pages")
}

func TestAddToEndAndStart(t *testing.T) {
	assert.Equal(t, []any{2, 3}, addToEnd([]any{1, 2}, 3, 2))
	assert.Equal(t, []any{0, 1}, addToStart([]any{1, 2}, 0, 2))
	assert.Equal(t, []any{1, 2, 3}, addToEnd([]any{1, 2}, 3, 0))
}
