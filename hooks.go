package querycache

// Hooks are lightweight callbacks for high-signal query events.
// Implementations MUST be cheap and non-blocking: they run inside the
// client's turn, with the cache locked.
type Hooks interface {
	// A query was registered in the cache.
	QueryAdded(hash string)

	// A query left the cache.
	// reason ∈ {"gc", "removed", "cleared"}
	QueryRemoved(hash string, reason string)

	// An attempt failed and another one is scheduled.
	FetchRetry(hash string, failureCount int, err error)

	// A fetch settled with a terminal error (retries exhausted or not retryable).
	FetchFailed(hash string, err error)

	// A fetch was cancelled.
	FetchCancelled(hash string, revert, silent bool)

	// A fetch was deferred because the connectivity gate is closed.
	FetchPaused(hash string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) QueryAdded(string)                 {}
func (NopHooks) QueryRemoved(string, string)       {}
func (NopHooks) FetchRetry(string, int, error)     {}
func (NopHooks) FetchFailed(string, error)         {}
func (NopHooks) FetchCancelled(string, bool, bool) {}
func (NopHooks) FetchPaused(string)                {}
