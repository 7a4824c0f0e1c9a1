package middleware

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"

	"pingrpc/message"
	"pingrpc/tracing"
)

// ServerTracingMiddleware starts a server span per call, continuing the trace the
// client put into the envelope metadata.
func ServerTracingMiddleware(tracer opentracing.Tracer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			// A missing or corrupt span context starts a new trace.
			parent, err := tracer.Extract(opentracing.TextMap, tracing.MetadataCarrier(req.Metadata))
			if err != nil {
				parent = nil
			}
			span := tracer.StartSpan(req.ServiceMethod, ext.RPCServerOption(parent))
			defer span.Finish()

			resp := next(opentracing.ContextWithSpan(ctx, span), req)
			finishWithError(span, resp)
			return resp
		}
	}
}

// ClientTracingMiddleware starts a client span per call, child of any span already on
// ctx, and injects it into the outgoing envelope.
func ClientTracingMiddleware(tracer opentracing.Tracer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			var parent opentracing.SpanContext
			if ps := opentracing.SpanFromContext(ctx); ps != nil {
				parent = ps.Context()
			}
			span := tracer.StartSpan(req.ServiceMethod, opentracing.ChildOf(parent), ext.SpanKindRPCClient)
			defer span.Finish()

			if req.Metadata == nil {
				req.Metadata = make(map[string]string)
			}
			if err := tracer.Inject(span.Context(), opentracing.TextMap, tracing.MetadataCarrier(req.Metadata)); err != nil {
				span.LogFields(otlog.Error(err))
			}

			resp := next(opentracing.ContextWithSpan(ctx, span), req)
			finishWithError(span, resp)
			return resp
		}
	}
}

func finishWithError(span opentracing.Span, resp *message.RPCMessage) {
	if resp.Failed() {
		ext.Error.Set(span, true)
		span.LogFields(otlog.String("error", resp.Error))
	}
}
