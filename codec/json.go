package codec

import jsoniter "github.com/json-iterator/go"

// api matches encoding/json behaviour (sorted map keys, HTML escaping), so
// payloads stay readable by non-Go consumers of a shared provider.
var api = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON encodes with json-iterator. The zero value is ready to use.
type JSON[V any] struct{}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return api.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := api.Unmarshal(b, &v)
	return v, err
}
