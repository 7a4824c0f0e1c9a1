package ping

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pingrpc/client"
	"pingrpc/codec"
	"pingrpc/loadbalance"
	"pingrpc/registry"
	"pingrpc/serialization"
	"pingrpc/server"
)

var inputs = []string{"ping", "", "pong", "anything at all", strings.Repeat("x", 4096), "日本語"}

func TestPingAlwaysPong(t *testing.T) {
	for _, style := range []string{"blocking", "reactive"} {
		svc, err := New(style)
		if err != nil {
			t.Fatal(err)
		}
		for _, in := range inputs {
			resp, err := svc.Ping(context.Background(), &Request{Message: in})
			if err != nil {
				t.Fatalf("%s: Ping(%q): %v", style, in, err)
			}
			if resp.Message != Reply {
				t.Fatalf("%s: Ping(%q) = %q, want %q", style, in, resp.Message, Reply)
			}
		}
	}
}

func TestStylesAgree(t *testing.T) {
	for _, in := range inputs {
		req := &Request{Message: in}
		blocking, err := Blocking{}.Ping(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		deferred, err := Reactive{}.PingAsync(context.Background(), req).Await(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if blocking.Message != deferred.Message {
			t.Fatalf("styles disagree for %q: %q vs %q", in, blocking.Message, deferred.Message)
		}
	}
}

func TestPingConcurrent(t *testing.T) {
	for _, svc := range []Service{Blocking{}, Reactive{}} {
		var wg sync.WaitGroup
		errs := make(chan error, 200)
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := svc.Ping(context.Background(), &Request{Message: Greeting})
				if err == nil && resp.Message != Reply {
					err = errors.Errorf("got %q", resp.Message)
				}
				if err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("%T: %v", svc, err)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		style string
		want  Service
	}{
		{"blocking", Blocking{}},
		{"reactive", Reactive{}},
		{" Reactive ", Reactive{}},
	}
	for _, tt := range tests {
		got, err := New(tt.style)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.style, err)
		}
		if got != tt.want {
			t.Fatalf("New(%q) = %T, want %T", tt.style, got, tt.want)
		}
	}

	if _, err := New("eventual"); !errors.IsNotValid(err) {
		t.Fatalf("expect NotValid for unknown style, got %v", err)
	}
}

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	select {
	case <-f.Done():
		t.Fatal("Done closed before completion")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); errors.Cause(err) != context.DeadlineExceeded {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}

	if !f.Complete(7, nil) {
		t.Fatal("first Complete should win")
	}
	if f.Complete(8, errors.New("late")) {
		t.Fatal("second Complete should be ignored")
	}
	<-f.Done()

	// Every waiter sees the single value, even after an earlier Await gave up.
	for i := 0; i < 3; i++ {
		v, err := f.Await(context.Background())
		if v != 7 || err != nil {
			t.Fatalf("Await = %d, %v; want 7, nil", v, err)
		}
	}

	// A completed future answers even on a cancelled context.
	done, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if v, err := f.Await(done); v != 7 || err != nil {
		t.Fatalf("Await on cancelled ctx = %d, %v", v, err)
	}
}

func TestFutureError(t *testing.T) {
	f := NewFuture[*Response]()
	go f.Complete(nil, errors.New("unavailable"))
	if _, err := f.Await(context.Background()); err == nil || err.Error() != "unavailable" {
		t.Fatalf("expect failure to be delivered, got %v", err)
	}
}

// The protobuf form is a google.protobuf.StringValue, so any protobuf peer can read it.
func TestProtoWireForm(t *testing.T) {
	data, err := (&Request{Message: Greeting}).MarshalProto()
	if err != nil {
		t.Fatal(err)
	}
	var sv wrapperspb.StringValue
	if err := proto.Unmarshal(data, &sv); err != nil || sv.GetValue() != Greeting {
		t.Fatalf("unexpected wire form: %v %q", err, sv.GetValue())
	}

	data, _ = proto.Marshal(wrapperspb.String(Reply))
	resp := &Response{}
	if err := resp.UnmarshalProto(data); err != nil || resp.Message != Reply {
		t.Fatalf("UnmarshalProto: %v %q", err, resp.Message)
	}
}

func TestServiceDescHandler(t *testing.T) {
	for _, svc := range []Service{Blocking{}, Reactive{}} {
		desc := NewServiceDesc(svc)
		if desc.ServiceName != ServiceName || len(desc.Methods) != 1 || desc.Methods[0].MethodName != MethodName {
			t.Fatalf("unexpected desc %+v", desc)
		}

		out, err := desc.Methods[0].Handler(context.Background(), func(v any) error {
			v.(*Request).Message = "ignored"
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if out.(*Response).Message != Reply {
			t.Fatalf("%T: got %+v", svc, out)
		}

		_, err = desc.Methods[0].Handler(context.Background(), func(any) error {
			return errors.New("bad payload")
		})
		if err == nil {
			t.Fatalf("%T: decode error swallowed", svc)
		}
	}
}

type fakeCaller struct {
	method string
	args   any
	err    error
}

func (f *fakeCaller) Call(_ context.Context, serviceMethod string, args, reply any) error {
	f.method, f.args = serviceMethod, args
	if f.err != nil {
		return f.err
	}
	reply.(*Response).Message = Reply
	return nil
}

func TestClientStub(t *testing.T) {
	fc := &fakeCaller{}
	stub := NewClient(fc)
	req := &Request{Message: Greeting}
	resp, err := stub.Ping(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if fc.method != "Ping.Ping" || fc.args != req || resp.Message != Reply {
		t.Fatalf("unexpected call %q %v -> %+v", fc.method, fc.args, resp)
	}

	fc.err = errors.New("connection refused")
	if _, err := stub.Ping(context.Background(), req); errors.Cause(err) != fc.err {
		t.Fatalf("expect error to propagate, got %v", err)
	}
}

func TestEndToEnd(t *testing.T) {
	for _, style := range []string{"blocking", "reactive"} {
		t.Run(style, func(t *testing.T) {
			svc, _ := New(style)
			svr := server.NewServer()
			if err := svr.Register(NewServiceDesc(svc)); err != nil {
				t.Fatal(err)
			}
			addr, err := svr.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			go svr.Serve()
			defer svr.Shutdown(context.Background())

			for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
				for _, st := range []serialization.Type{serialization.Protobuf, serialization.MsgPack, serialization.JSON} {
					cc := client.NewClient(registry.Direct(ServiceName, addr.String()), &loadbalance.RoundRobinBalancer{},
						client.WithCodec(ct), client.WithSerialization(st))
					for _, in := range []string{Greeting, ""} {
						resp, err := NewClient(cc).Ping(context.Background(), &Request{Message: in})
						if err != nil {
							t.Fatalf("%s/%s %q: %v", ct, st, in, err)
						}
						if resp.Message != Reply {
							t.Fatalf("%s/%s %q: got %q", ct, st, in, resp.Message)
						}
					}
					cc.Close()
				}
			}
		})
	}
}
