// Package provider defines the byte store the persister writes query data to.
//
// Implementations must be byte-for-byte transparent: Get returns exactly the
// bytes an earlier Set stored under the key. Stores that compress or
// otherwise transform values must fully reverse that on Get.
//
// Keys are built by the persister as "<namespace>:<short hash>". The
// namespace prefix belongs to it; values written there by anything else are
// treated as corrupt and deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. It must be safe for concurrent
// use.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	// IO or remote failures return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl (<= 0 means no expiry, or the store's own
	// window where it has no per-entry TTL). cost may be ignored.
	// ok=false means the store declined the write, e.g. under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
