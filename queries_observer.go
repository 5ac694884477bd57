package querycache

import (
	"slices"
	"sync"
)

// QueriesObserver observes an ordered list of queries and reports their
// results as one slice, index-aligned with the list.
//
// Every entry gets its own QueryObserver, duplicates included; entries with
// the same key share the underlying Query and so its single fetch.
type QueriesObserver struct {
	client    *Client
	queries   []QueryOptions
	observers []*QueryObserver
	result    []QueryObserverResult

	listeners listeners[[]QueryObserverResult]
	mounted   bool
	// updating holds back child notifications while the list is rebuilt.
	updating bool
	// queued is set while a combined emit waits for the end of the turn.
	queued bool
}

func NewQueriesObserver(client *Client, queries []QueryOptions) (*QueriesObserver, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	qo := &QueriesObserver{client: client}
	var err error
	client.turn.do(func() { err = qo.setQueries(queries) })
	if err != nil {
		return nil, err
	}
	return qo, nil
}

// SetQueries replaces the list. Entries are matched to the current
// observers by position first, then by hash; matched observers are kept
// (no refetch), the others are created or torn down.
func (qo *QueriesObserver) SetQueries(queries []QueryOptions) error {
	var err error
	qo.client.turn.do(func() { err = qo.setQueries(queries) })
	return err
}

// Subscribe registers fn for combined result changes. The first listener
// subscribes every child observer.
func (qo *QueriesObserver) Subscribe(fn func([]QueryObserverResult)) (unsubscribe func()) {
	var id int
	qo.client.turn.do(func() {
		id = qo.listeners.add(fn)
		if qo.mounted {
			return
		}
		qo.mounted = true
		for _, o := range slices.Clone(qo.observers) {
			o.mount()
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			qo.client.turn.do(func() {
				if qo.listeners.remove(id) && qo.listeners.len() == 0 {
					qo.destroy()
				}
			})
		})
	}
}

func (qo *QueriesObserver) GetCurrentResult() []QueryObserverResult {
	var out []QueryObserverResult
	qo.client.turn.locked(func() { out = slices.Clone(qo.result) })
	return out
}

// GetOptimisticResult computes the results queries would produce if they
// replaced the current list, without changing it.
func (qo *QueriesObserver) GetOptimisticResult(queries []QueryOptions) ([]QueryObserverResult, error) {
	var (
		out []QueryObserverResult
		err error
	)
	qo.client.turn.do(func() {
		defaulted, hashes, herr := qo.prepare(queries)
		if herr != nil {
			err = herr
			return
		}
		out = make([]QueryObserverResult, len(queries))
		for i, m := range matchObservers(qo.observers, hashes) {
			o := &QueryObserver{client: qo.client}
			if m >= 0 {
				o = qo.observers[m]
			}
			if out[i], err = o.optimisticResult(defaulted[i]); err != nil {
				return
			}
		}
	})
	return out, err
}

func (qo *QueriesObserver) GetQueries() []*Query {
	var out []*Query
	qo.client.turn.locked(func() {
		for _, o := range qo.observers {
			out = append(out, o.query)
		}
	})
	return out
}

func (qo *QueriesObserver) GetObservers() []*QueryObserver {
	var out []*QueryObserver
	qo.client.turn.locked(func() { out = slices.Clone(qo.observers) })
	return out
}

// Destroy drops every listener and tears all child observers down.
func (qo *QueriesObserver) Destroy() {
	qo.client.turn.do(qo.destroy)
}

func (qo *QueriesObserver) destroy() {
	qo.mounted = false
	qo.listeners = listeners[[]QueryObserverResult]{}
	for _, o := range qo.observers {
		o.unmount()
	}
}

func (qo *QueriesObserver) prepare(queries []QueryOptions) ([]QueryOptions, []string, error) {
	defaulted := make([]QueryOptions, len(queries))
	hashes := make([]string, len(queries))
	for i, q := range queries {
		d := qo.client.defaults(q)
		h, err := hashQueryKey(&d)
		if err != nil {
			return nil, nil, err
		}
		d.QueryHash = h
		defaulted[i], hashes[i] = d, h
	}
	return defaulted, hashes, nil
}

func (qo *QueriesObserver) setQueries(queries []QueryOptions) error {
	defaulted, hashes, err := qo.prepare(queries)
	if err != nil {
		return err
	}

	qo.updating = true
	defer func() { qo.updating = false }()

	prev := qo.observers
	next := make([]*QueryObserver, len(queries))
	var created []*QueryObserver
	for i, m := range matchObservers(prev, hashes) {
		if m >= 0 {
			next[i] = prev[m]
			if err := next[i].setOptions(defaulted[i]); err != nil {
				return err
			}
			continue
		}
		o, err := newQueryObserver(qo.client, defaulted[i], false)
		if err != nil {
			return err
		}
		o.onChange = qo.onChildChange
		next[i] = o
		created = append(created, o)
	}

	qo.queries = slices.Clone(queries)
	qo.observers = next
	if qo.mounted {
		for _, o := range prev {
			if !slices.Contains(next, o) {
				o.onChange = nil
				o.unmount()
			}
		}
		for _, o := range created {
			o.mount()
		}
	}

	qo.updating = false
	qo.emit()
	return nil
}

// matchObservers pairs every hash with the index of a previous observer to
// keep, or -1. A previous observer is used at most once: positional matches
// first, then the earliest unused observer with the same hash.
func matchObservers(prev []*QueryObserver, hashes []string) []int {
	out := make([]int, len(hashes))
	used := make([]bool, len(prev))
	for i, h := range hashes {
		out[i] = -1
		if i < len(prev) && prev[i].query.hash == h {
			out[i] = i
			used[i] = true
		}
	}
	free := make(map[string][]int)
	for j, o := range prev {
		if !used[j] {
			free[o.query.hash] = append(free[o.query.hash], j)
		}
	}
	for i, h := range hashes {
		if out[i] >= 0 {
			continue
		}
		if js := free[h]; len(js) > 0 {
			out[i] = js[0]
			free[h] = js[1:]
		}
	}
	return out
}

// onChildChange defers the combined emit to the end of the turn. A Query
// updates its observers one at a time, so with duplicate entries an emit per
// child would show the entries of one query disagreeing.
func (qo *QueriesObserver) onChildChange() {
	if qo.updating || qo.queued {
		return
	}
	qo.queued = true
	qo.client.turn.atEnd(func() {
		qo.queued = false
		qo.emit()
	})
}

// emit rebuilds the combined result and notifies listeners unless it is
// element-wise equal to the last one.
func (qo *QueriesObserver) emit() {
	next := make([]QueryObserverResult, len(qo.observers))
	for i, o := range qo.observers {
		next[i] = o.currentResult
	}
	if qo.result != nil && len(next) == len(qo.result) {
		same := true
		for i := range next {
			if !qo.observers[i].resultEqual(qo.result[i], next[i]) {
				same = false
				break
			}
		}
		if same {
			return
		}
	}
	qo.result = next
	qo.listeners.emit(&qo.client.turn.notify, slices.Clone(next))
}
