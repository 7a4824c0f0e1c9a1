package serialization

import (
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack"
)

type msgpackSerialization struct{}

func (s *msgpackSerialization) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, errors.New("msgpack marshal: nil value")
	}
	data, err := msgpack.Marshal(v)
	return data, errors.Annotate(err, "msgpack marshal")
}

func (s *msgpackSerialization) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("msgpack unmarshal: empty data")
	}
	return errors.Annotate(msgpack.Unmarshal(data, v), "msgpack unmarshal")
}
