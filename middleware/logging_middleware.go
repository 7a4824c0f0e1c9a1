package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pingrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if caller := req.Metadata[message.MetaCallerID]; caller != "" {
				fields = append(fields, zap.String("caller", caller))
			}
			if resp.Failed() {
				logger.Warn("rpc failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("rpc served", fields...)
			}
			return resp
		}
	}
}
