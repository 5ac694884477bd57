package querycache

import (
	"context"
	"slices"
)

// fetchBehavior replaces how a query turns its QueryFunc into the operation
// its Retryer runs.
type fetchBehavior interface {
	fetchFn(state QueryState, opts *QueryOptions, meta *FetchMeta, queryFn QueryFunc, fc FetchContext) func(context.Context) (any, error)
}

// infiniteBehavior accumulates pages into InfiniteData.
//
// With a direction in meta and pages present it fetches one page at that
// end. Otherwise it (re)fetches from the first known param, deriving every
// following param from the page just fetched, as many pages as it held.
type infiniteBehavior struct{}

func (infiniteBehavior) fetchFn(state QueryState, opts *QueryOptions, meta *FetchMeta, queryFn QueryFunc, fc FetchContext) func(context.Context) (any, error) {
	old, _ := state.Data.(InfiniteData)
	o := *opts

	return func(ctx context.Context) (any, error) {
		fetchPage := func(data InfiniteData, param any, dir Direction) (InfiniteData, error) {
			if err := ctx.Err(); err != nil {
				return data, err
			}
			pfc := fc
			pfc.PageParam = param
			pfc.Direction = dir
			page, err := queryFn(ctx, pfc)
			if err != nil {
				return data, err
			}
			if dir == Backward {
				return InfiniteData{
					Pages:      addToStart(data.Pages, page, o.MaxPages),
					PageParams: addToStart(data.PageParams, param, o.MaxPages),
				}, nil
			}
			return InfiniteData{
				Pages:      addToEnd(data.Pages, page, o.MaxPages),
				PageParams: addToEnd(data.PageParams, param, o.MaxPages),
			}, nil
		}

		if meta != nil && len(old.Pages) > 0 {
			param := pageParam(&o, old, meta.Direction)
			if param == nil {
				return old, nil
			}
			return fetchPage(old, param, meta.Direction)
		}

		var (
			result InfiniteData
			err    error
		)
		for i, n := 0, max(len(old.Pages), 1); i < n; i++ {
			param := o.InitialPageParam
			switch {
			case i == 0 && len(old.PageParams) > 0:
				param = old.PageParams[0]
			case i > 0:
				if param = nextPageParam(&o, result); param == nil {
					return result, nil
				}
			}
			if result, err = fetchPage(result, param, Forward); err != nil {
				return nil, err
			}
		}
		return result, nil
	}
}

func pageParam(opts *QueryOptions, data InfiniteData, dir Direction) any {
	if dir == Backward {
		return previousPageParam(opts, data)
	}
	return nextPageParam(opts, data)
}

func nextPageParam(opts *QueryOptions, data InfiniteData) any {
	n := len(data.Pages)
	if opts.GetNextPageParam == nil || n == 0 {
		return nil
	}
	return opts.GetNextPageParam(data.Pages[n-1], data.Pages, data.PageParams[n-1], data.PageParams)
}

func previousPageParam(opts *QueryOptions, data InfiniteData) any {
	if opts.GetPreviousPageParam == nil || len(data.Pages) == 0 {
		return nil
	}
	return opts.GetPreviousPageParam(data.Pages[0], data.Pages, data.PageParams[0], data.PageParams)
}

// addToEnd appends v, dropping the oldest item beyond limit.
func addToEnd(items []any, v any, limit int) []any {
	out := append(slices.Clone(items), v)
	if limit > 0 && len(out) > limit {
		out = out[1:]
	}
	return out
}

// addToStart prepends v, dropping the newest item beyond limit.
func addToStart(items []any, v any, limit int) []any {
	out := append([]any{v}, items...)
	if limit > 0 && len(out) > limit {
		out = out[:len(out)-1]
	}
	return out
}

func infiniteResult(r *QueryObserverResult, state QueryState, opts *QueryOptions) {
	if data, ok := state.Data.(InfiniteData); ok {
		r.HasNextPage = nextPageParam(opts, data) != nil
		r.HasPreviousPage = previousPageParam(opts, data) != nil
	}
	if state.FetchStatus == FetchFetching && state.FetchMeta != nil {
		r.IsFetchingNextPage = state.FetchMeta.Direction == Forward
		r.IsFetchingPreviousPage = state.FetchMeta.Direction == Backward
	}
}

// InfiniteQueryObserver is a QueryObserver whose query accumulates pages.
// Its data is an InfiniteData (or whatever Select makes of it).
type InfiniteQueryObserver struct {
	*QueryObserver
}

func NewInfiniteQueryObserver(client *Client, opts QueryOptions) (*InfiniteQueryObserver, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	var (
		o   *QueryObserver
		err error
	)
	client.turn.do(func() { o, err = newQueryObserver(client, opts, true) })
	if err != nil {
		return nil, err
	}
	return &InfiniteQueryObserver{QueryObserver: o}, nil
}

// FetchNextPage fetches the page after the last one. When GetNextPageParam
// returns nil it does nothing and returns the current result.
func (o *InfiniteQueryObserver) FetchNextPage(ctx context.Context) (QueryObserverResult, error) {
	return o.fetchPage(ctx, Forward)
}

// FetchPreviousPage fetches the page before the first one. When
// GetPreviousPageParam returns nil it does nothing and returns the current
// result.
func (o *InfiniteQueryObserver) FetchPreviousPage(ctx context.Context) (QueryObserverResult, error) {
	return o.fetchPage(ctx, Backward)
}

func (o *InfiniteQueryObserver) fetchPage(ctx context.Context, dir Direction) (QueryObserverResult, error) {
	var (
		f   *flight
		r   QueryObserverResult
		err error
	)
	o.client.turn.do(func() {
		if err = o.updateQuery(); err != nil {
			return
		}
		data, ok := o.query.state.Data.(InfiniteData)
		if ok && len(data.Pages) > 0 && pageParam(&o.options, data, dir) == nil {
			r = o.currentResult
			return
		}
		f = o.fetchWithMeta(FetchOptions{CancelRefetch: true}, &FetchMeta{Direction: dir})
	})
	if err != nil || f == nil {
		return r, err
	}
	return o.settled(ctx, f)
}
