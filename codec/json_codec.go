package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Wrap(err, "json encode")
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return errors.Wrap(json.Unmarshal(data, v), "json decode")
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
