package util

import (
	"crypto/sha256"
	"fmt"
)

// StorageKey returns the provider key of a persisted query: the namespace
// prefix plus a short hash of the query hash. Entries keep the full query
// hash, so a shortened-key collision reads as a miss, not as foreign data.
func StorageKey(prefix, queryHash string) string {
	sum := sha256.Sum256([]byte(queryHash))
	return fmt.Sprintf("%s:%x", prefix, sum)[:len(prefix)+1+16] // prefix + ":" + first 16 hex chars
}
