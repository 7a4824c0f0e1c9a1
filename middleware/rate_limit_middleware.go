package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"pingrpc/message"
)

const errRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects calls beyond r per second with bursts of up to burst,
// using a token bucket shared by every connection.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         errRateLimited,
				}
			}
			return next(ctx, req)
		}
	}
}
