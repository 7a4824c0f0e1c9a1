package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONShape(t *testing.T) {
	msg := &RPCMessage{
		ServiceMethod: "Ping.Ping",
		Payload:       []byte(`{"message":"ping"}`),
	}
	msg.SetMeta(MetaCallerID, "c-1")

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["service_method"] != "Ping.Ping" {
		t.Errorf("service_method = %v", got["service_method"])
	}
	if _, ok := got["error"]; ok {
		t.Errorf("empty error should be omitted, got %s", data)
	}
	if md, _ := got["metadata"].(map[string]any); md[MetaCallerID] != "c-1" {
		t.Errorf("metadata = %v", got["metadata"])
	}
}

func TestErrorReply(t *testing.T) {
	reply := ErrorReply("Ping.Ping", errors.New("boom"))
	if !reply.Failed() {
		t.Fatal("expect Failed() to be true")
	}
	if reply.Error != "boom" || reply.ServiceMethod != "Ping.Ping" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if (&RPCMessage{}).Failed() {
		t.Fatal("empty message should not be failed")
	}
}

func TestLocalFailureStaysLocal(t *testing.T) {
	reply := LocalFailure("Ping.Ping", errors.New("connection refused"))
	if reply.Cause == nil || !reply.Failed() {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	data, err := json.Marshal(reply)
	if err != nil {
		t.Fatal(err)
	}
	var back RPCMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Cause != nil {
		t.Fatal("Cause must not be serialized")
	}
	if back.Error != "connection refused" {
		t.Fatalf("Error = %q", back.Error)
	}
}
