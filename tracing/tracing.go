// Package tracing builds the jaeger tracer and carries span context across the RPC
// boundary inside envelope metadata.
package tracing

import (
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go/config"
	jaegerzap "github.com/uber/jaeger-client-go/log/zap"
	"go.uber.org/zap"
)

// NewJaeger creates a tracer reporting to the jaeger agent at agentAddr with full
// sampling, and installs it as the opentracing global tracer. The returned closer
// flushes buffered spans.
func NewJaeger(serviceName, agentAddr string, logger *zap.Logger) (opentracing.Tracer, io.Closer, error) {
	if agentAddr == "" {
		return nil, nil, errors.NotValidf("empty jaeger agent address")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &config.Configuration{
		ServiceName: serviceName,
		Sampler: &config.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &config.ReporterConfig{
			LocalAgentHostPort: agentAddr,
		},
	}

	tracer, closer, err := cfg.NewTracer(config.Logger(jaegerzap.NewLogger(logger.Named("jaeger"))))
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating jaeger tracer")
	}
	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

// MetadataCarrier adapts envelope metadata to opentracing's TextMap format. Keys are
// lower-cased so that they survive any case-insensitive hop.
type MetadataCarrier map[string]string

func (c MetadataCarrier) Set(key, val string) {
	c[strings.ToLower(key)] = val
}

func (c MetadataCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, v := range c {
		if err := handler(k, v); err != nil {
			return err
		}
	}
	return nil
}
