package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/juju/errors"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType:     CodecTypeBinary,
		Serialization: SerializationMsgPack,
		MsgType:       MsgTypeRequest,
		Seq:           12345,
	}
	body := []byte("ping")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame length = %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	got, gotBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.CodecType != header.CodecType {
		t.Errorf("CodecType = %d, want %d", got.CodecType, header.CodecType)
	}
	if got.Serialization != header.Serialization {
		t.Errorf("Serialization = %d, want %d", got.Serialization, header.Serialization)
	}
	if got.MsgType != header.MsgType {
		t.Errorf("MsgType = %s, want %s", got.MsgType, header.MsgType)
	}
	if got.Seq != header.Seq {
		t.Errorf("Seq = %d, want %d", got.Seq, header.Seq)
	}
	if got.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen = %d, want %d", got.BodyLen, len(body))
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body = %q, want %q", gotBody, body)
	}
}

func TestDecodeConsecutiveFrames(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		h := &Header{MsgType: MsgTypeResponse, Seq: seq}
		if err := Encode(&buf, h, []byte("pong")); err != nil {
			t.Fatal(err)
		}
	}

	for seq := uint32(1); seq <= 3; seq++ {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", seq, err)
		}
		if h.Seq != seq || string(body) != "pong" {
			t.Fatalf("frame %d: got seq=%d body=%q", seq, h.Seq, body)
		}
	}

	if _, _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expect io.EOF after last frame, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	h, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType = %s, want heartbeat", h.MsgType)
	}
	if h.BodyLen != 0 || len(body) != 0 {
		t.Errorf("expect empty body, got BodyLen=%d len=%d", h.BodyLen, len(body))
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeRequest, Seq: 999}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(body, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Header{MsgType: MsgTypeResponse}, make([]byte, int(MaxBodyLen)+1))
	if errors.Cause(err) != ErrBodyTooLarge {
		t.Fatalf("expect ErrBodyTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %d bytes", buf.Len())
	}

	if err := Encode(&buf, &Header{MsgType: MsgTypeResponse}, make([]byte, MaxBodyLen)); err != nil {
		t.Fatalf("a body of exactly MaxBodyLen should encode: %v", err)
	}
}

func TestDecodeInvalidHeader(t *testing.T) {
	valid := func() []byte {
		return []byte{
			MagicNumber, MagicByte2, MagicByte3,
			Version,
			CodecTypeJSON,
			SerializationProtobuf,
			byte(MsgTypeRequest),
			0, 0, 0, 1, // Seq
			0, 0, 0, 0, // BodyLen
		}
	}

	tests := []struct {
		name    string
		mutate  func(b []byte)
		wantMsg string
		check   func(error) bool
	}{
		{
			name:    "bad magic",
			mutate:  func(b []byte) { b[0] = 0x00 },
			wantMsg: "magic number",
			check:   errors.IsNotValid,
		},
		{
			name:    "bad version",
			mutate:  func(b []byte) { b[3] = 0xFF },
			wantMsg: "version 255",
			check:   errors.IsNotSupported,
		},
		{
			name:    "bad codec",
			mutate:  func(b []byte) { b[4] = 9 },
			wantMsg: "codec type 9",
			check:   errors.IsNotSupported,
		},
		{
			name:    "bad serialization",
			mutate:  func(b []byte) { b[5] = 7 },
			wantMsg: "serialization 7",
			check:   errors.IsNotSupported,
		},
		{
			name:    "bad message type",
			mutate:  func(b []byte) { b[6] = 3 },
			wantMsg: "message type 3",
			check:   errors.IsNotSupported,
		},
		{
			name:    "oversized body",
			mutate:  func(b []byte) { b[11], b[12], b[13], b[14] = 0xFF, 0xFF, 0xFF, 0xFF },
			wantMsg: "too large",
			check:   func(error) bool { return true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := valid()
			tt.mutate(frame)

			_, _, err := Decode(bytes.NewReader(frame))
			if err == nil {
				t.Fatal("expect error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err, tt.wantMsg)
			}
			if !tt.check(err) {
				t.Errorf("unexpected error kind: %v", err)
			}
		})
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeRequest}, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	if _, _, err := Decode(bytes.NewReader(truncated)); errors.Cause(err) != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}
}
