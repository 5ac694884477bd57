package querycache

import (
	"fmt"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

// QueryKey identifies a cached entity: an ordered list of serializable values
// (strings, numbers, bools, maps, structs, slices).
type QueryKey []any

// KeyHashFunc turns a key into its canonical string form.
type KeyHashFunc func(QueryKey) (string, error)

// canonical sorts map keys, so the hash never depends on map iteration order.
// Struct fields keep their declaration order.
var canonical = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// HashKey returns the canonical JSON form of key, e.g. ["todos",{"page":1}].
func HashKey(key QueryKey) (string, error) {
	if key == nil {
		key = QueryKey{}
	}
	b, err := canonical.Marshal([]any(key))
	if err != nil {
		return "", fmt.Errorf("hash query key: %w", err)
	}
	return string(b), nil
}

func hashQueryKey(opts *QueryOptions) (string, error) {
	if opts.QueryHash != "" {
		return opts.QueryHash, nil
	}
	fn := KeyHashFunc(HashKey)
	if opts.QueryKeyHashFn != nil {
		fn = opts.QueryKeyHashFn
	}
	h, err := fn(opts.QueryKey)
	if err != nil {
		return "", &ConfigurationError{Err: err}
	}
	return h, nil
}

// normalize round-trips v through the canonical encoding so that structs,
// typed maps and numbers compare the way their hashes do.
func normalize(v any) (any, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := canonical.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// partialMatchKey reports whether b is a prefix of a, where objects in b
// only need to be a subset of the corresponding objects in a.
func partialMatchKey(a, b QueryKey) bool {
	na, err := normalize([]any(a))
	if err != nil {
		return false
	}
	nb, err := normalize([]any(b))
	if err != nil {
		return false
	}
	return partialDeepEqual(na, nb)
}

func partialDeepEqual(a, b any) bool {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range bv {
			if !partialDeepEqual(av[k], v) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok || len(bv) > len(av) {
			return false
		}
		for i := range bv {
			if !partialDeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
