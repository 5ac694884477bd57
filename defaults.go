package querycache

import "time"

const (
	defaultGCTime     = 5 * time.Minute
	defaultRetryCount = 3
	baseRetryDelay    = time.Second
	maxRetryDelay     = 30 * time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
