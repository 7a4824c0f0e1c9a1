package serialization

import (
	"encoding/json"

	"github.com/juju/errors"
)

type jsonSerialization struct{}

func (s *jsonSerialization) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Annotate(err, "json marshal")
}

func (s *jsonSerialization) Unmarshal(data []byte, v any) error {
	return errors.Annotate(json.Unmarshal(data, v), "json unmarshal")
}
