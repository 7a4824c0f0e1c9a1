// Package client is the caller side of the RPC framework. A Client finds instances
// through a registry, picks one with a balancer and sends the call over a pooled,
// multiplexed transport.
package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"pingrpc/codec"
	"pingrpc/loadbalance"
	"pingrpc/message"
	"pingrpc/middleware"
	"pingrpc/registry"
	"pingrpc/serialization"
	"pingrpc/transport"
)

var ErrClientClosed = errors.New("client closed")

// ServerError is a call the server answered with an error envelope.
type ServerError struct {
	Method  string
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

type Client struct {
	id       string
	opts     options
	registry registry.Registry
	balancer loadbalance.Balancer
	pool     *transport.Pool
	handler  middleware.HandlerFunc

	ctx    context.Context // Cancelled by Close; scopes registry watches
	cancel context.CancelFunc
	closed atomic.Bool

	mu       sync.Mutex
	cache    map[string][]registry.ServiceInstance
	watching map[string]bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	c := &Client{
		id:       o.id,
		opts:     o,
		registry: reg,
		balancer: bal,
		pool: transport.NewPool(o.network, o.poolSize, transport.Options{
			Codec:             o.codec,
			Serialization:     o.serialization,
			HeartbeatInterval: o.heartbeat,
			Logger:            o.logger,
		}),
		cache:    make(map[string][]registry.ServiceInstance),
		watching: make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handler = middleware.Chain(o.middlewares...)(c.invoke)
	return c
}

// ID identifies this client to servers (caller metadata) and to the consistent hash balancer.
func (c *Client) ID() string {
	return c.id
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the result into reply.
// A failure reported by the server is returned as *ServerError.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	ser := serialization.Get(c.opts.serialization)
	payload, err := ser.Marshal(args)
	if err != nil {
		return errors.Annotatef(err, "encoding %s args", serviceMethod)
	}
	req := &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	req.SetMeta(message.MetaCallerID, c.id)

	resp := c.handler(ctx, req)
	if resp.Cause != nil {
		return errors.Annotatef(resp.Cause, "calling %s", serviceMethod)
	}
	if resp.Failed() {
		return &ServerError{Method: serviceMethod, Message: resp.Error}
	}
	if err := ser.Unmarshal(resp.Payload, reply); err != nil {
		return errors.Annotatef(err, "decoding %s reply", serviceMethod)
	}
	return nil
}

// invoke is the innermost client handler: discovery, balancing and the round trip.
// Every local failure comes back as an envelope with Cause set.
func (c *Client) invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, _, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" {
		return message.LocalFailure(req.ServiceMethod, errors.NotValidf("service method %q", req.ServiceMethod))
	}

	instances, err := c.discover(ctx, serviceName)
	if err != nil {
		return message.LocalFailure(req.ServiceMethod, err)
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return message.LocalFailure(req.ServiceMethod, errors.Annotatef(err, "picking %s instance", serviceName))
	}

	t, err := c.pool.Get(ctx, instance.Addr)
	if err != nil {
		return message.LocalFailure(req.ServiceMethod, err)
	}
	resp, err := t.Call(ctx, req)
	if err != nil {
		return message.LocalFailure(req.ServiceMethod, err)
	}
	if resp.ServiceMethod == "" {
		resp.ServiceMethod = req.ServiceMethod
	}
	return resp
}

// discover returns the cached instance list, asking the registry on a miss. The first
// lookup of a service also starts a watch that keeps the cache current.
func (c *Client) discover(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	instances, ok := c.cache[serviceName]
	c.mu.Unlock()
	if ok {
		return instances, nil
	}

	c.watch(serviceName)
	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", serviceName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[serviceName]; ok {
		// The watch delivered a newer list meanwhile.
		return cached, nil
	}
	// Only a watched list is kept, otherwise nothing would ever refresh it.
	if len(instances) > 0 && c.watching[serviceName] {
		c.cache[serviceName] = instances
	}
	return instances, nil
}

func (c *Client) watch(serviceName string) {
	c.mu.Lock()
	if c.watching[serviceName] {
		c.mu.Unlock()
		return
	}
	c.watching[serviceName] = true
	c.mu.Unlock()

	updates := c.registry.Watch(c.ctx, serviceName)
	go func() {
		for instances := range updates {
			c.opts.logger.Debug("service instances changed",
				zap.String("service", serviceName),
				zap.Int("instances", len(instances)),
			)
			c.mu.Lock()
			c.cache[serviceName] = instances
			c.mu.Unlock()
		}
		if c.ctx.Err() != nil {
			return
		}
		// The registry gave up on the watch. Forget the list so the next call
		// re-lists and watches again.
		c.opts.logger.Warn("service watch ended", zap.String("service", serviceName))
		c.mu.Lock()
		delete(c.cache, serviceName)
		delete(c.watching, serviceName)
		c.mu.Unlock()
	}()
}

// Close stops the registry watches and closes every pooled transport.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.pool.Close()
}

type Option func(*options)

type options struct {
	id            string
	codec         codec.CodecType
	serialization serialization.Type
	network       string
	poolSize      int
	timeout       time.Duration
	heartbeat     time.Duration
	logger        *zap.Logger
	middlewares   []middleware.Middleware
}

func defaultOptions() options {
	return options{
		codec:         codec.CodecTypeBinary,
		serialization: serialization.Protobuf,
		network:       "tcp",
		poolSize:      4,
		timeout:       3 * time.Second,
		logger:        zap.NewNop(),
	}
}

// WithID sets the client id, otherwise a random UUID.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

func WithSerialization(t serialization.Type) Option {
	return func(o *options) { o.serialization = t }
}

func WithNetwork(network string) Option {
	return func(o *options) { o.network = network }
}

// WithPoolSize sets how many transports are kept per server address.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithTimeout bounds every Call, middlewares included. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeartbeat sets the transport heartbeat interval; negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMiddleware appends client middlewares; the first one is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}
