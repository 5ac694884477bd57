// Package genstore keeps per-entry generation counters for persisted query
// data. A persisted entry is only valid while the generation it was written
// under is current; bumping the generation busts it everywhere the store is
// shared.
package genstore

import "context"

// GenStore maps a storage key to its current generation. Keys that were
// never bumped are at generation 0.
//
// LocalGenStore suits a single process. Use RedisGenStore when several
// processes share one provider, otherwise an invalidation in one of them
// leaves the others serving the busted entry.
type GenStore interface {
	Snapshot(ctx context.Context, storageKey string) (uint64, error)

	// Bump increments atomically and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)

	Close(context.Context) error
}
