package middleware

import (
	"context"
	"time"

	"pingrpc/message"
)

const errTimedOut = "request timed out"

// TimeOutMiddleware answers with a timeout error once the deadline passes, even if the
// handler is still running. The handler sees the deadline on its context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         errTimedOut,
				}
			}
		}
	}
}
