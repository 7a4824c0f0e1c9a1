// Package codec encodes the RPC envelope (message.RPCMessage) carried in a frame body.
package codec

import (
	"strings"

	"github.com/juju/errors"

	"pingrpc/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   = CodecType(protocol.CodecTypeJSON)
	CodecTypeBinary = CodecType(protocol.CodecTypeBinary)
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return "unknown"
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
)

// GetCodec returns the codec for a frame header's codec byte. Anything that is not
// JSON falls back to Binary; protocol.Decode has already rejected unknown ids.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return jsonCodec
	}
	return binaryCodec
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	}
	return 0, errors.NotValidf("codec %q", name)
}
