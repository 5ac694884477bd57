// Package codec turns query data into bytes and back for the persister.
// Pick the codec by the data type a query returns: a Persister[V] only
// stores data that is a V.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
