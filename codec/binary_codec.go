package codec

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/juju/errors"

	"pingrpc/message"
)

// BinaryCodec lays out an envelope as length-prefixed fields, big-endian:
//
//	u16 len | ServiceMethod
//	u32 len | Payload
//	u16 len | Error
//	u16 n   | n × (u16 len | key, u16 len | value)
type BinaryCodec struct{}

var errNotEnvelope = errors.New("BinaryCodec: v must be *message.RPCMessage")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotEnvelope
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 || len(msg.Metadata) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: field too long")
	}

	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error) + 2
	for k, v := range msg.Metadata {
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return nil, errors.Errorf("BinaryCodec: metadata %q too long", k)
		}
		total += 2 + len(k) + 2 + len(v)
	}

	buf := make([]byte, 0, total)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString16(buf, msg.Error)

	// Sorted so that equal envelopes encode to equal bytes.
	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, msg.Metadata[k])
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotEnvelope
	}

	r := reader{data: data}
	msg.ServiceMethod = r.string16()
	msg.Payload = r.bytes32()
	msg.Error = r.string16()
	n := r.uint16()
	msg.Metadata = nil
	for i := 0; i < int(n) && r.err == nil; i++ {
		k := r.string16()
		v := r.string16()
		if r.err == nil {
			msg.SetMeta(k, v)
		}
	}
	if r.err != nil {
		return errors.Annotate(r.err, "BinaryCodec")
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks a byte slice and latches the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errors.Errorf("truncated envelope: need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) string16() string {
	return string(r.next(int(r.uint16())))
}

func (r *reader) bytes32() []byte {
	b := r.next(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(r.data)) {
		r.err = errors.Errorf("truncated envelope: payload length %d exceeds %d bytes", n, len(r.data))
		return nil
	}
	payload := r.next(int(n))
	if payload == nil {
		return nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}
