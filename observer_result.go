package querycache

import (
	"reflect"
	"time"
)

// QueryObserverResult is the view an observer derives from its query state
// and its own options. Results are values; a new one is built on every change.
type QueryObserverResult struct {
	Status      QueryStatus
	FetchStatus FetchStatus

	Data          any
	DataUpdatedAt time.Time

	Error            error
	ErrorUpdatedAt   time.Time
	ErrorUpdateCount int

	FailureCount  int
	FailureReason error

	IsEnabled           bool
	IsStale             bool
	IsFetched           bool
	IsFetchedAfterMount bool
	IsPlaceholderData   bool

	// Infinite queries only.
	HasNextPage            bool
	HasPreviousPage        bool
	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
}

func (r QueryObserverResult) IsPending() bool  { return r.Status == StatusPending }
func (r QueryObserverResult) IsSuccess() bool  { return r.Status == StatusSuccess }
func (r QueryObserverResult) IsError() bool    { return r.Status == StatusError }
func (r QueryObserverResult) IsFetching() bool { return r.FetchStatus == FetchFetching }
func (r QueryObserverResult) IsPaused() bool   { return r.FetchStatus == FetchPaused }

// IsLoading is true for the first fetch of a query without data.
func (r QueryObserverResult) IsLoading() bool { return r.IsPending() && r.IsFetching() }

// IsRefetching is true for a background fetch of a query that already settled once.
func (r QueryObserverResult) IsRefetching() bool { return r.IsFetching() && !r.IsPending() }

// IsLoadingError is an error without any data ever fetched.
func (r QueryObserverResult) IsLoadingError() bool {
	return r.IsError() && r.DataUpdatedAt.IsZero()
}

// IsRefetchError is an error while older data is still available.
func (r QueryObserverResult) IsRefetchError() bool {
	return r.IsError() && !r.DataUpdatedAt.IsZero()
}

// defaultResultEqual compares every field; Data and errors by value.
func defaultResultEqual(a, b QueryObserverResult) bool {
	return reflect.DeepEqual(a, b)
}

// ResultField names one field of QueryObserverResult for CompareFields.
type ResultField string

const (
	FieldStatus                 ResultField = "status"
	FieldFetchStatus            ResultField = "fetchStatus"
	FieldData                   ResultField = "data"
	FieldDataUpdatedAt          ResultField = "dataUpdatedAt"
	FieldError                  ResultField = "error"
	FieldErrorUpdatedAt         ResultField = "errorUpdatedAt"
	FieldFailureCount           ResultField = "failureCount"
	FieldIsStale                ResultField = "isStale"
	FieldIsPlaceholderData      ResultField = "isPlaceholderData"
	FieldHasNextPage            ResultField = "hasNextPage"
	FieldHasPreviousPage        ResultField = "hasPreviousPage"
	FieldIsFetchingNextPage     ResultField = "isFetchingNextPage"
	FieldIsFetchingPreviousPage ResultField = "isFetchingPreviousPage"
)

var resultFields = map[ResultField]func(QueryObserverResult) any{
	FieldStatus:                 func(r QueryObserverResult) any { return r.Status },
	FieldFetchStatus:            func(r QueryObserverResult) any { return r.FetchStatus },
	FieldData:                   func(r QueryObserverResult) any { return r.Data },
	FieldDataUpdatedAt:          func(r QueryObserverResult) any { return r.DataUpdatedAt },
	FieldError:                  func(r QueryObserverResult) any { return r.Error },
	FieldErrorUpdatedAt:         func(r QueryObserverResult) any { return r.ErrorUpdatedAt },
	FieldFailureCount:           func(r QueryObserverResult) any { return r.FailureCount },
	FieldIsStale:                func(r QueryObserverResult) any { return r.IsStale },
	FieldIsPlaceholderData:      func(r QueryObserverResult) any { return r.IsPlaceholderData },
	FieldHasNextPage:            func(r QueryObserverResult) any { return r.HasNextPage },
	FieldHasPreviousPage:        func(r QueryObserverResult) any { return r.HasPreviousPage },
	FieldIsFetchingNextPage:     func(r QueryObserverResult) any { return r.IsFetchingNextPage },
	FieldIsFetchingPreviousPage: func(r QueryObserverResult) any { return r.IsFetchingPreviousPage },
}

// CompareFields returns a ResultEqualFunc that only looks at the given
// fields, so listeners are not woken for changes they do not read.
// Unknown names are ignored.
func CompareFields(fields ...ResultField) ResultEqualFunc {
	getters := make([]func(QueryObserverResult) any, 0, len(fields))
	for _, f := range fields {
		if g, ok := resultFields[f]; ok {
			getters = append(getters, g)
		}
	}
	return func(a, b QueryObserverResult) bool {
		for _, g := range getters {
			if !reflect.DeepEqual(g(a), g(b)) {
				return false
			}
		}
		return true
	}
}
