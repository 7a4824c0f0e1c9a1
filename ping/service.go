package ping

import "context"

// Blocking computes the reply before returning.
type Blocking struct{}

func (Blocking) Ping(_ context.Context, _ *Request) (*Response, error) {
	return &Response{Message: Reply}, nil
}

// Reactive produces the reply on another goroutine and hands it over through a Future.
type Reactive struct{}

// PingAsync returns at once; the reply is delivered exactly once through the Future.
func (Reactive) PingAsync(_ context.Context, _ *Request) *Future[*Response] {
	f := NewFuture[*Response]()
	go f.Complete(&Response{Message: Reply}, nil)
	return f
}

// Ping awaits its own future, so Reactive satisfies Service like Blocking does.
func (r Reactive) Ping(ctx context.Context, req *Request) (*Response, error) {
	return r.PingAsync(ctx, req).Await(ctx)
}

// AsyncService is implemented by services that can complete a call without blocking
// the caller.
type AsyncService interface {
	Service
	PingAsync(ctx context.Context, req *Request) *Future[*Response]
}

var (
	_ Service      = Blocking{}
	_ AsyncService = Reactive{}
)
