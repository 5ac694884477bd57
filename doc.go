// Package querycache implements a reactive cache for the results of
// asynchronous fetch operations keyed by structured keys. A key has at most
// one fetch in flight; concurrent consumers share it, failed fetches are
// retried with backoff, and subscribers are notified only when the result
// they derive actually changed.
//
// Components:
//   - Client: owns the QueryCache and the turn lock every component runs under.
//   - Query: cached state of one key hash, driven by a Retryer.
//   - QueryObserver: derives a QueryObserverResult from one query and diffs it.
//   - QueriesObserver: ordered results of several observers, duplicates included.
//   - InfiniteQueryObserver: pages accumulated into InfiniteData.
//
// Keys hash to canonical JSON with sorted object keys:
//
//	QueryKey{"todos", map[string]any{"page": 1, "done": false}}
//	=> ["todos",{"done":false,"page":1}]
//
// Typical use:
//
//	c := querycache.New(querycache.Options{})
//	obs, _ := querycache.NewQueryObserver(c, querycache.QueryOptions{
//		QueryKey: querycache.QueryKey{"todo", 1},
//		QueryFn:  fetchTodo,
//	})
//	unsub := obs.Subscribe(func(r querycache.QueryObserverResult) { render(r) })
//	defer unsub()
//
// Query data can be persisted across processes with a Persister; package
// persist provides one over the provider, codec and genstore packages.
//
// Listeners run after the turn that produced the change, one at a time and
// in order, so they may call back into the client.
package querycache
