package serialization

import (
	"github.com/juju/errors"
	"google.golang.org/protobuf/proto"
)

// Protoable is implemented by Go payload types that have a protobuf wire form but are
// not generated messages themselves.
type Protoable interface {
	MarshalProto() ([]byte, error)
	UnmarshalProto(data []byte) error
}

type pbSerialization struct{}

func (s *pbSerialization) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case Protoable:
		data, err := m.MarshalProto()
		return data, errors.Annotate(err, "protobuf marshal")
	case proto.Message:
		data, err := proto.Marshal(m)
		return data, errors.Annotate(err, "protobuf marshal")
	case nil:
		return nil, errors.New("protobuf marshal: nil value")
	}
	return nil, errors.NotSupportedf("protobuf marshal of %T", v)
}

// Unmarshal accepts empty data: a protobuf message with every field at its zero value
// encodes to zero bytes.
func (s *pbSerialization) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case Protoable:
		return errors.Annotate(m.UnmarshalProto(data), "protobuf unmarshal")
	case proto.Message:
		return errors.Annotate(proto.Unmarshal(data, m), "protobuf unmarshal")
	}
	return errors.NotSupportedf("protobuf unmarshal into %T", v)
}
