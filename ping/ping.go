// Package ping is the ping/pong RPC service: one method, Ping.Ping, that answers every
// request with "pong". It comes in two completion styles behind the same Service
// interface, plus the client stub used to call it.
package ping

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "Ping"
	MethodName  = "Ping"
	// ServiceMethod is the wire name of the only method.
	ServiceMethod = ServiceName + "." + MethodName

	// Greeting is what the HTTP bridge sends, Reply is what the service answers.
	Greeting = "ping"
	Reply    = "pong"
)

// Request carries one text field. It is never validated; the empty string is fine.
//
// On the protobuf wire both Request and Response are a google.protobuf.StringValue.
type Request struct {
	Message string `json:"message" msgpack:"message"`
}

func (r *Request) MarshalProto() ([]byte, error) {
	return proto.Marshal(wrapperspb.String(r.Message))
}

func (r *Request) UnmarshalProto(data []byte) error {
	var sv wrapperspb.StringValue
	if err := proto.Unmarshal(data, &sv); err != nil {
		return err
	}
	r.Message = sv.GetValue()
	return nil
}

type Response struct {
	Message string `json:"message" msgpack:"message"`
}

func (r *Response) MarshalProto() ([]byte, error) {
	return proto.Marshal(wrapperspb.String(r.Message))
}

func (r *Response) UnmarshalProto(data []byte) error {
	var sv wrapperspb.StringValue
	if err := proto.Unmarshal(data, &sv); err != nil {
		return err
	}
	r.Message = sv.GetValue()
	return nil
}

// Service is the Ping contract. Implementations are stateless and safe for concurrent use.
type Service interface {
	Ping(ctx context.Context, req *Request) (*Response, error)
}

type Style string

const (
	StyleBlocking Style = "blocking"
	StyleReactive Style = "reactive"
)

// ParseStyle maps a configuration value to a Style.
func ParseStyle(name string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(name))) {
	case StyleBlocking:
		return StyleBlocking, nil
	case StyleReactive:
		return StyleReactive, nil
	}
	return "", errors.NotValidf("service style %q", name)
}

// New returns the implementation for the named completion style.
func New(style string) (Service, error) {
	s, err := ParseStyle(style)
	if err != nil {
		return nil, err
	}
	if s == StyleBlocking {
		return Blocking{}, nil
	}
	return Reactive{}, nil
}
