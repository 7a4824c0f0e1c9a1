package codec

import (
	"encoding/json"

	"github.com/juju/errors"
)

// JSONCodec encodes envelopes as JSON. Human-readable on the wire, handy with tcpdump.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Annotate(err, "json codec")
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return errors.Annotate(json.Unmarshal(data, v), "json codec")
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
