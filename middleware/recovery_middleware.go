package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pingrpc/message"
)

// RecoveryMiddleware turns a panicking handler into an error reply. Handlers run on
// their own goroutine under TimeOutMiddleware, so Recovery must sit inside Timeout in
// the chain to see their panics.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("rpc handler panicked",
						zap.String("method", req.ServiceMethod),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					resp = &message.RPCMessage{
						ServiceMethod: req.ServiceMethod,
						Error:         fmt.Sprintf("internal error: %v", r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
