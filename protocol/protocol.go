// Package protocol implements the binary frame protocol spoken between the ping
// client stub and the RPC server.
//
// Every frame is a fixed 15-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly that
// many bytes, so frames never run together on the TCP stream.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│st│mt│   seq   │ bodyLen │    body ...    │
//	│ png  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

// Magic bytes "png" let the server drop connections that do not speak the protocol
// (for example an HTTP client dialing the RPC port).
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x6e // 'n'
	MagicByte3  byte = 0x67 // 'g'
	Version     byte = 0x01
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (serialization) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a peer can force with a forged header.
	MaxBodyLen uint32 = 16 << 20
)

// ErrBodyTooLarge is returned by Encode for bodies over MaxBodyLen.
var ErrBodyTooLarge = errors.New("frame body too large")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Envelope codec and payload serialization ids. They are mirrored here so that the
// protocol package has no dependency on the codec and serialization packages.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1

	SerializationProtobuf byte = 0
	SerializationMsgPack  byte = 1
	SerializationJSON     byte = 2
)

// Header is the fixed-size frame header.
type Header struct {
	CodecType     byte    // Envelope format: 0=JSON, 1=Binary
	Serialization byte    // Payload format: 0=Protobuf, 1=MsgPack, 2=JSON
	MsgType       MsgType // Request, Response, or Heartbeat
	Seq           uint32  // Matches a response to its request on a multiplexed connection
	BodyLen       uint32
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from body,
// the value in h is ignored.
//
// Callers sharing one writer between goroutines must serialize calls to Encode,
// otherwise frames interleave on the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > int(MaxBodyLen) {
		return errors.Annotatef(ErrBodyTooLarge, "%d bytes", len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = h.Serialization
	buf[6] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame so a frame is never split between two syscalls racing
	// with another writer that forgot the lock.
	if _, err := w.Write(buf); err != nil {
		return errors.Annotate(err, "writing frame")
	}
	return nil
}

// Decode reads one complete frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		// io.EOF is returned untouched so that callers can tell a clean close.
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.NotValidf("magic number %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.NotSupportedf("version %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.NotSupportedf("codec type %d", headerBuf[4])
	}
	if headerBuf[5] > SerializationJSON {
		return nil, nil, errors.NotSupportedf("serialization %d", headerBuf[5])
	}
	msgType := MsgType(headerBuf[6])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, errors.NotSupportedf("message type %d", headerBuf[6])
	}

	seq := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Annotate(err, "reading frame body")
	}

	return &Header{
		CodecType:     headerBuf[4],
		Serialization: headerBuf[5],
		MsgType:       msgType,
		Seq:           seq,
		BodyLen:       bodyLen,
	}, body, nil
}
