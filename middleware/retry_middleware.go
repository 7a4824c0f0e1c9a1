package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"pingrpc/message"
)

// RetryMiddleware re-sends a call that failed transiently, waiting baseDelay, 2×baseDelay,
// 4×baseDelay... between attempts. It belongs on the client chain.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && Retryable(ctx, resp); i++ {
				logger.Warn("retrying rpc",
					zap.String("method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error),
				)
				select {
				case <-time.After(baseDelay << i):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

// Retryable reports whether a failed call may succeed when sent again: the transport
// failed before a reply arrived, or the server shed the request. A malformed call is
// never retried.
func Retryable(ctx context.Context, resp *message.RPCMessage) bool {
	if !resp.Failed() || ctx.Err() != nil {
		return false
	}
	if resp.Cause != nil {
		return !errors.IsNotValid(resp.Cause)
	}
	return strings.Contains(resp.Error, errTimedOut) || strings.Contains(resp.Error, errRateLimited)
}
