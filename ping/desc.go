package ping

import (
	"context"

	"pingrpc/server"
)

// NewServiceDesc binds svc to the server's method table as "Ping.Ping". An AsyncService
// is called through PingAsync and its future awaited with the request context.
func NewServiceDesc(svc Service) *server.ServiceDesc {
	return &server.ServiceDesc{
		ServiceName: ServiceName,
		Methods: []*server.MethodDesc{{
			MethodName: MethodName,
			Handler:    pingHandler(svc),
		}},
	}
}

func pingHandler(svc Service) server.MethodHandler {
	return func(ctx context.Context, dec func(any) error) (any, error) {
		req := &Request{}
		if err := dec(req); err != nil {
			return nil, err
		}

		var (
			resp *Response
			err  error
		)
		if async, ok := svc.(AsyncService); ok {
			resp, err = async.PingAsync(ctx, req).Await(ctx)
		} else {
			resp, err = svc.Ping(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}
