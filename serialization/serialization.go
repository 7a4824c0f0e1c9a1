// Package serialization encodes RPC payloads (the request and reply values carried
// inside an envelope). The envelope itself is handled by package codec.
//
// Three formats are available. Protobuf is the default: a payload either is a
// proto.Message or implements Protoable to map itself onto one. MsgPack and JSON
// work on plain Go structs.
package serialization

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"pingrpc/protocol"
)

type Type byte

const (
	Protobuf = Type(protocol.SerializationProtobuf)
	MsgPack  = Type(protocol.SerializationMsgPack)
	JSON     = Type(protocol.SerializationJSON)
)

func (t Type) String() string {
	switch t {
	case Protobuf:
		return "protobuf"
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	}
	return "unknown"
}

type Serialization interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var serializations = map[Type]Serialization{
	Protobuf: &pbSerialization{},
	MsgPack:  &msgpackSerialization{},
	JSON:     &jsonSerialization{},
}

// Get returns the serialization for t, falling back to Protobuf.
func Get(t Type) Serialization {
	if s, ok := serializations[t]; ok {
		return s
	}
	return serializations[Protobuf]
}

// ParseType maps a configuration name to a serialization type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "protobuf", "proto", "":
		return Protobuf, nil
	case "msgpack":
		return MsgPack, nil
	case "json":
		return JSON, nil
	}
	return 0, errors.NotValidf("serialization %q", name)
}

type ctxKey struct{}

// NewContext returns a context carrying the serialization of the call being handled.
func NewContext(ctx context.Context, t Type) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the serialization stored by NewContext, or Protobuf.
func FromContext(ctx context.Context) Type {
	if t, ok := ctx.Value(ctxKey{}).(Type); ok {
		return t
	}
	return Protobuf
}
