package ping

import (
	"context"

	"github.com/juju/errors"
)

// Caller is the part of client.Client the stub needs.
type Caller interface {
	Call(ctx context.Context, serviceMethod string, args, reply any) error
}

// Client is the Ping stub: it implements Service by forwarding to a remote server.
type Client struct {
	cc Caller
}

func NewClient(cc Caller) *Client {
	return &Client{cc: cc}
}

func (c *Client) Ping(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{}
	if err := c.cc.Call(ctx, ServiceMethod, req, resp); err != nil {
		return nil, errors.Trace(err)
	}
	return resp, nil
}

var _ Service = (*Client)(nil)
