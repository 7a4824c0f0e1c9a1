package main

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"pingrpc/client"
	"pingrpc/codec"
	"pingrpc/config"
	"pingrpc/loadbalance"
	"pingrpc/middleware"
	"pingrpc/ping"
	"pingrpc/registry"
	"pingrpc/serialization"
	"pingrpc/server"
	"pingrpc/tracing"
)

// node is one pingd process: the Ping service on its RPC server, the stub calling it
// through the registry, and the HTTP bridge in front of the stub.
type node struct {
	logger  *zap.Logger
	server  *server.Server
	client  *client.Client
	app     *App
	closers []io.Closer // Registry and tracer, closed last
}

// newNode wires everything explicitly and starts serving RPC. The HTTP listener is left
// to the caller.
func newNode(cfg *config.Config, logger *zap.Logger) (_ *node, err error) {
	n := &node{logger: logger}
	defer func() {
		if err != nil {
			n.shutdown(context.Background())
		}
	}()

	var tracer opentracing.Tracer
	if cfg.Tracing.Enabled {
		t, closer, err := tracing.NewJaeger(cfg.Tracing.ServiceName, cfg.Tracing.Agent, logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tracer = t
		n.closers = append(n.closers, closer)
	}

	reg, err := newRegistry(cfg.Registry, logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c, ok := reg.(io.Closer); ok {
		n.closers = append(n.closers, c)
	}

	if n.server, err = newRPCServer(cfg, reg, tracer, logger); err != nil {
		return nil, errors.Trace(err)
	}
	if n.client, err = newRPCClient(cfg, reg, tracer, logger); err != nil {
		return nil, errors.Trace(err)
	}
	n.app = NewApp(cfg.HTTP.GinMode, logger.Named("http"), ping.NewClient(n.client))
	return n, nil
}

func newRegistry(cfg config.RegistryConfig, logger *zap.Logger) (registry.Registry, error) {
	switch strings.ToLower(cfg.Kind) {
	case "etcd":
		return registry.NewEtcd(cfg.Endpoints, logger)
	case "consul":
		return registry.NewConsul(cfg.Endpoints[0], logger)
	}
	// The server registers its own listener address on Listen, the client finds it there.
	return registry.NewStatic(), nil
}

func newRPCServer(cfg *config.Config, reg registry.Registry, tracer opentracing.Tracer, logger *zap.Logger) (*server.Server, error) {
	svc, err := ping.New(cfg.Service.Style)
	if err != nil {
		return nil, errors.Trace(err)
	}

	rpcLogger := logger.Named("rpc")
	srv := server.NewServer(
		server.WithLogger(rpcLogger),
		server.WithRegistry(reg, cfg.RPC.Advertise, cfg.Registry.TTL),
	)
	srv.Use(middleware.LoggingMiddleware(rpcLogger))
	if tracer != nil {
		srv.Use(middleware.ServerTracingMiddleware(tracer))
	}
	if cfg.RPC.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.RPC.RateLimit, cfg.RPC.Burst))
	}
	if cfg.RPC.RequestTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.RPC.RequestTimeout))
	}
	srv.Use(middleware.RecoveryMiddleware(rpcLogger))

	if err := srv.Register(ping.NewServiceDesc(svc)); err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := srv.Listen(cfg.RPC.Network, cfg.RPC.Address); err != nil {
		return nil, errors.Trace(err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			rpcLogger.Error("rpc server stopped", zap.Error(err))
		}
	}()

	logger.Info("ping service started", zap.String("style", cfg.Service.Style), zap.Stringer("addr", srv.Addr()))
	return srv, nil
}

func newRPCClient(cfg *config.Config, reg registry.Registry, tracer opentracing.Tracer, logger *zap.Logger) (*client.Client, error) {
	id := uuid.NewString()
	bal, err := loadbalance.New(cfg.Client.Balancer, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	codecType, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	serType, err := serialization.ParseType(cfg.Client.Serialization)
	if err != nil {
		return nil, errors.Trace(err)
	}

	clientLogger := logger.Named("client")
	var mws []middleware.Middleware
	if tracer != nil {
		mws = append(mws, middleware.ClientTracingMiddleware(tracer))
	}
	if cfg.Client.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Client.Retries, cfg.Client.RetryDelay, clientLogger))
	}

	return client.NewClient(reg, bal,
		client.WithID(id),
		client.WithCodec(codecType),
		client.WithSerialization(serType),
		client.WithNetwork(cfg.RPC.Network),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithTimeout(cfg.Client.Timeout),
		client.WithHeartbeat(cfg.Client.Heartbeat),
		client.WithLogger(clientLogger),
		client.WithMiddleware(mws...),
	), nil
}

// shutdown stops the stub, then the RPC server (deregistering it), then the registry
// and tracer.
func (n *node) shutdown(ctx context.Context) error {
	if n.client != nil {
		n.client.Close()
	}
	var err error
	if n.server != nil {
		err = n.server.Shutdown(ctx)
	}
	n.closeAll()
	return err
}

func (n *node) closeAll() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			n.logger.Warn("closing", zap.Error(err))
		}
	}
	n.closers = nil
}
