package querycache

import "slices"

type CacheEventType string

const (
	EventAdded                  CacheEventType = "added"
	EventRemoved                CacheEventType = "removed"
	EventUpdated                CacheEventType = "updated"
	EventObserverAdded          CacheEventType = "observerAdded"
	EventObserverRemoved        CacheEventType = "observerRemoved"
	EventObserverResultsUpdated CacheEventType = "observerResultsUpdated"
)

// CacheEvent describes one change in the cache. Action is set for updates
// ("fetch", "success", "error", ...), Observer for observer events.
type CacheEvent struct {
	Type     CacheEventType
	Query    *Query
	Action   string
	Observer *QueryObserver
}

// QueryType filters queries by observer presence.
type QueryType string

const (
	QueryTypeAll      QueryType = "all"
	QueryTypeActive   QueryType = "active"
	QueryTypeInactive QueryType = "inactive"
)

// QueryFilters select queries in the cache. Zero value matches everything.
type QueryFilters struct {
	// QueryKey matches queries whose key starts with it (objects may be
	// subsets) unless Exact is set.
	QueryKey    QueryKey
	Exact       bool
	Type        QueryType   // "" => all
	Stale       *bool
	FetchStatus FetchStatus // "" => any
	// Predicate runs with the cache locked, so it gets the state instead
	// of having to call back into the query.
	Predicate func(key QueryKey, state QueryState) bool
}

// QueryCache is the keyed store of queries owned by one Client.
type QueryCache struct {
	client    *Client
	queries   map[string]*Query
	order     []*Query
	listeners listeners[CacheEvent]
}

func newQueryCache(c *Client) *QueryCache {
	return &QueryCache{
		client:  c,
		queries: make(map[string]*Query),
	}
}

// Build returns the query for the options' hash, registering a new one when
// none exists yet.
func (qc *QueryCache) Build(opts QueryOptions) (*Query, error) {
	var (
		q   *Query
		err error
	)
	qc.client.turn.do(func() { q, err = qc.build(opts) })
	return q, err
}

// Get returns the query registered under hash, or nil.
func (qc *QueryCache) Get(hash string) *Query {
	var q *Query
	qc.client.turn.locked(func() { q = qc.queries[hash] })
	return q
}

// GetAll returns every query in registration order.
func (qc *QueryCache) GetAll() []*Query {
	var out []*Query
	qc.client.turn.locked(func() { out = slices.Clone(qc.order) })
	return out
}

// Find returns the first query, in registration order, matching filters.
// A QueryKey is matched exactly. Without one only the other filters apply.
func (qc *QueryCache) Find(filters QueryFilters) *Query {
	var q *Query
	qc.client.turn.locked(func() { q = qc.find(filters) })
	return q
}

func (qc *QueryCache) FindAll(filters QueryFilters) []*Query {
	var out []*Query
	qc.client.turn.locked(func() { out = qc.findAll(filters) })
	return out
}

// Remove unregisters an unobserved query.
func (qc *QueryCache) Remove(q *Query) error {
	var err error
	qc.client.turn.do(func() {
		if len(q.observers) > 0 {
			err = ErrQueryObserved
			return
		}
		qc.remove(q, "removed")
	})
	return err
}

// Clear tears down every query, observed or not.
func (qc *QueryCache) Clear() {
	qc.client.turn.do(qc.clear)
}

// Subscribe registers fn for every cache event. fn runs outside the turn.
func (qc *QueryCache) Subscribe(fn func(CacheEvent)) (unsubscribe func()) {
	var id int
	qc.client.turn.locked(func() { id = qc.listeners.add(fn) })
	return func() {
		qc.client.turn.locked(func() { qc.listeners.remove(id) })
	}
}

func (qc *QueryCache) build(opts QueryOptions) (*Query, error) {
	hash, err := hashQueryKey(&opts)
	if err != nil {
		return nil, err
	}
	if q, ok := qc.queries[hash]; ok {
		return q, nil
	}
	q := newQuery(qc, hash, opts)
	qc.add(q)
	return q, nil
}

func (qc *QueryCache) add(q *Query) {
	if _, ok := qc.queries[q.hash]; ok {
		return
	}
	qc.queries[q.hash] = q
	qc.order = append(qc.order, q)
	qc.client.hooks.QueryAdded(q.hash)
	qc.client.log.Debug("query added", Fields{"hash": q.hash})
	qc.notify(CacheEvent{Type: EventAdded, Query: q})
}

func (qc *QueryCache) remove(q *Query, reason string) {
	if qc.queries[q.hash] != q {
		return
	}
	q.destroy()
	q.removed = true
	delete(qc.queries, q.hash)
	if i := slices.Index(qc.order, q); i >= 0 {
		qc.order = slices.Delete(qc.order, i, i+1)
	}
	qc.client.hooks.QueryRemoved(q.hash, reason)
	qc.client.log.Debug("query removed", Fields{"hash": q.hash, "reason": reason})
	qc.notify(CacheEvent{Type: EventRemoved, Query: q})
}

func (qc *QueryCache) clear() {
	for _, q := range slices.Clone(qc.order) {
		qc.remove(q, "cleared")
	}
}

func (qc *QueryCache) find(filters QueryFilters) *Query {
	filters.Exact = true
	for _, q := range qc.order {
		if q.matches(filters) {
			return q
		}
	}
	return nil
}

func (qc *QueryCache) findAll(filters QueryFilters) []*Query {
	var out []*Query
	for _, q := range qc.order {
		if q.matches(filters) {
			out = append(out, q)
		}
	}
	return out
}

func (qc *QueryCache) notify(ev CacheEvent) {
	qc.listeners.emit(&qc.client.turn.notify, ev)
}

func (qc *QueryCache) onFocus() {
	for _, q := range slices.Clone(qc.order) {
		q.onFocus()
	}
}

func (qc *QueryCache) onOnline() {
	for _, q := range slices.Clone(qc.order) {
		q.onOnline()
	}
}

func (q *Query) matches(f QueryFilters) bool {
	if f.QueryKey != nil {
		if f.Exact {
			h, err := hashQueryKey(&QueryOptions{QueryKey: f.QueryKey, QueryKeyHashFn: q.options.QueryKeyHashFn})
			if err != nil || h != q.hash {
				return false
			}
		} else if !partialMatchKey(q.key, f.QueryKey) {
			return false
		}
	}
	switch f.Type {
	case QueryTypeActive:
		if !q.isActive() {
			return false
		}
	case QueryTypeInactive:
		if q.isActive() {
			return false
		}
	}
	if f.Stale != nil && q.isStale() != *f.Stale {
		return false
	}
	if f.FetchStatus != "" && f.FetchStatus != q.state.FetchStatus {
		return false
	}
	if f.Predicate != nil && !f.Predicate(q.key, q.state) {
		return false
	}
	return true
}
