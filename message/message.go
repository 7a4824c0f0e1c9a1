// Package message defines the envelope exchanged between the client stub and the RPC
// server. The codec layer serializes it and the protocol layer frames it.
package message

// Well-known metadata keys.
const (
	MetaCallerID = "caller-id"
)

// RPCMessage carries a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload holds the serialized request.
//   - On response: Payload holds the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string            `json:"service_method"` // "Service.Method", e.g. "Ping.Ping"
	Error         string            `json:"error,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"` // Tracing context, caller id

	// Cause is a client-side failure (dial, write, broken connection, cancellation).
	// It never goes on the wire.
	Cause error `json:"-"`
}

// Failed reports whether the message carries a server-side error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}

// ErrorReply builds a response envelope for a failed call.
func ErrorReply(serviceMethod string, err error) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: err.Error()}
}

// LocalFailure builds a response envelope for a call that never got a reply.
func LocalFailure(serviceMethod string, err error) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: err.Error(), Cause: err}
}

// SetMeta stores a metadata value, allocating the map on first use.
func (m *RPCMessage) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}
