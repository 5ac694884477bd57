package querycache

import (
	"context"
	"time"
)

type QueryStatus string

const (
	StatusPending QueryStatus = "pending"
	StatusSuccess QueryStatus = "success"
	StatusError   QueryStatus = "error"
)

type FetchStatus string

const (
	FetchIdle     FetchStatus = "idle"
	FetchFetching FetchStatus = "fetching"
	FetchPaused   FetchStatus = "paused"
)

// Direction tells an infinite query which end of the page list a fetch extends.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// NetworkMode decides when the connectivity gate may pause a fetch.
type NetworkMode string

const (
	// NetworkOnline pauses fetches while offline (default).
	NetworkOnline NetworkMode = "online"
	// NetworkAlways never pauses.
	NetworkAlways NetworkMode = "always"
	// NetworkOfflineFirst runs the first attempt and pauses retries while offline.
	NetworkOfflineFirst NetworkMode = "offlineFirst"
)

// RefetchMode controls automatic refetches on mount, focus and reconnect.
type RefetchMode int

const (
	RefetchIfStale RefetchMode = iota // default
	RefetchAlways
	RefetchNever
)

const (
	// StaleNever keeps data fresh forever.
	StaleNever time.Duration = 1<<63 - 1
	// GCTimeNever keeps unobserved queries in the cache forever.
	GCTimeNever time.Duration = -1
)

// Meta is free-form data attached to a query and passed to its query function.
type Meta map[string]any

// FetchContext is passed to a QueryFunc next to the abort context.
type FetchContext struct {
	QueryKey  QueryKey
	PageParam any       // infinite queries only
	Direction Direction // infinite queries only
	Meta      Meta
	Client    *Client
}

// QueryFunc fetches the data for one key. ctx is cancelled when the fetch is
// cancelled; a returned error enters the retry path.
type QueryFunc func(ctx context.Context, fc FetchContext) (any, error)

// PageParamFunc computes the param of the page that follows (or precedes) the
// given page. Returning nil means there is no such page.
type PageParamFunc func(page any, pages []any, pageParam any, pageParams []any) any

// PersistContext describes the query a Persister is wrapping.
type PersistContext struct {
	QueryKey  QueryKey
	QueryHash string
	Meta      Meta
	StaleTime time.Duration
}

// Persister wraps a fetch, e.g. to serve and store data in durable storage.
// It must return fn's outcome (or an equivalent restored value) and must not
// change the observable semantics of the fetch.
type Persister func(ctx context.Context, fn func(context.Context) (any, error), pc PersistContext, q *Query) (any, error)

// ResultEqualFunc decides whether two observer results are the same for the
// purpose of notifying listeners.
type ResultEqualFunc func(a, b QueryObserverResult) bool

// QueryOptions configure a query and the observers bound to it.
// Only QueryKey is required; QueryFn is required for anything that fetches.
type QueryOptions struct {
	QueryKey       QueryKey
	QueryHash      string      // precomputed hash; empty => derived from QueryKey
	QueryKeyHashFn KeyHashFunc // nil => HashKey
	QueryFn        QueryFunc
	Meta           Meta

	Disabled    bool           // default false (enabled)
	StaleTime   time.Duration  // 0 => stale as soon as fetched; StaleNever => never stale
	GCTime      time.Duration  // 0 => client default (5m); GCTimeNever => keep forever
	Retry       RetryFunc      // nil => client default (3 retries)
	RetryDelay  RetryDelayFunc // nil => DefaultRetryDelay
	NetworkMode NetworkMode    // "" => NetworkOnline

	InitialData          any
	InitialDataUpdatedAt time.Time

	Persister         Persister
	StructuralSharing func(prev, next any) any // nil => client default

	// Infinite queries.
	InitialPageParam     any
	GetNextPageParam     PageParamFunc
	GetPreviousPageParam PageParamFunc
	MaxPages             int // 0 => unlimited

	// Observers.
	Select                      func(data any) any
	PlaceholderData             any
	RefetchOnMount              RefetchMode
	RefetchOnWindowFocus        RefetchMode
	RefetchOnReconnect          RefetchMode
	RefetchInterval             time.Duration
	RefetchIntervalInBackground bool
	RetryOnMountDisabled        bool // do not refetch an errored query on mount
	ResultEqual                 ResultEqualFunc

	behavior fetchBehavior
}

// FetchOptions tune one fetch request.
type FetchOptions struct {
	// CancelRefetch cancels an outstanding fetch that already has data
	// and starts a new one instead of joining it.
	CancelRefetch bool
}

// FetchMeta records why a fetch runs (infinite queries: which direction).
type FetchMeta struct {
	Direction Direction
}

// QueryState is a snapshot of a query's cached state.
type QueryState struct {
	Data            any
	DataUpdateCount int
	DataUpdatedAt   time.Time

	Error            error
	ErrorUpdateCount int
	ErrorUpdatedAt   time.Time

	FetchFailureCount  int
	FetchFailureReason error
	FetchMeta          *FetchMeta
	IsInvalidated      bool

	Status      QueryStatus
	FetchStatus FetchStatus
}

// InfiniteData is the data of an infinite query: pages[i] was fetched with
// pageParams[i].
type InfiniteData struct {
	Pages      []any
	PageParams []any
}

func (o *QueryOptions) enabled() bool { return !o.Disabled }

func (o *QueryOptions) isInfinite() bool { return o.behavior != nil }
