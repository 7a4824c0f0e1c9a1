// Package server implements the RPC server: service registration, a middleware chain,
// parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (method table) → Codec.Encode → write response
package server

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"pingrpc/codec"
	"pingrpc/message"
	"pingrpc/middleware"
	"pingrpc/protocol"
	"pingrpc/registry"
	"pingrpc/serialization"
)

const errShuttingDown = "server is shutting down"

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry makes Listen announce every registered service under advertise (the
// listener address when empty) and Shutdown withdraw it. ttl is in seconds.
func WithRegistry(reg registry.Registry, advertise string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertise
		s.ttl = ttl
	}
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	logger      *zap.Logger
	serviceMap  map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch))), built by Listen

	registry      registry.Registry
	advertiseAddr string // Address announced to the registry, routable unlike ":9090"
	ttl           int64

	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup // In-flight requests; Add only under mu while not shutting down
	shutdown atomic.Bool
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:     zap.NewNop(),
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register adds a service's method table. It must be called before Listen.
func (s *Server) Register(desc *ServiceDesc) error {
	if err := desc.validate(); err != nil {
		return errors.Trace(err)
	}
	if _, ok := s.serviceMap[desc.ServiceName]; ok {
		return errors.AlreadyExistsf("service %s", desc.ServiceName)
	}
	s.serviceMap[desc.ServiceName] = newService(desc)
	return nil
}

// Use registers a middleware. Middlewares run in the order they are added and must be
// added before Listen.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the listener, builds the handler chain and announces the services to the
// registry. Connections queue in the backlog until Serve is called.
func (s *Server) Listen(network, address string) (net.Addr, error) {
	if s.listener != nil {
		return nil, errors.AlreadyExistsf("listener on %s", s.listener.Addr())
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %s", address)
	}
	s.listener = listener
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	if s.registry != nil {
		if s.advertiseAddr == "" {
			s.advertiseAddr = listener.Addr().String()
		}
		for name := range s.serviceMap {
			err := s.registry.Register(s.baseCtx, name, registry.ServiceInstance{Addr: s.advertiseAddr, Weight: 1}, s.ttl)
			if err != nil {
				listener.Close()
				return nil, errors.Annotatef(err, "registering %s", name)
			}
		}
	}

	s.logger.Info("rpc server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("services", len(s.serviceMap)),
	)
	return listener.Addr(), nil
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("serve called before listen")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Shutdown closes the listener; the flag tells that apart from a real failure.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Annotate(err, "accepting connection")
		}
		if !s.trackConn(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// beginRequest counts a request as in flight unless shutdown has started.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleConn reads frames sequentially (frame boundaries) and dispatches each request to
// its own goroutine. writeMu keeps concurrent responses from interleaving on the conn.
func (s *Server) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		cancel()
		s.untrackConn(conn)
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !s.shutdown.Load() && !isClosedConn(err) {
				logger.Debug("closing connection", zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeResponse:
			logger.Debug("ignoring response frame from client", zap.Uint32("seq", header.Seq))
			continue
		}

		if !s.beginRequest() {
			s.reply(conn, writeMu, header, &message.RPCMessage{Error: errShuttingDown}, logger)
			continue
		}
		go s.handleRequest(ctx, header, body, conn, writeMu, logger)
	}
}

// handleRequest decodes one request, runs the chain and writes the response with the
// request's sequence id.
func (s *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	defer s.wg.Done()

	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, req); err != nil {
		resp = message.ErrorReply("", errors.Annotate(err, "decoding request"))
	} else {
		ctx = serialization.NewContext(ctx, serialization.Type(header.Serialization))
		resp = s.handler(ctx, req)
	}
	s.reply(conn, writeMu, header, resp, logger)
}

func (s *Server) reply(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, resp *message.RPCMessage, logger *zap.Logger) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	out, err := c.Encode(resp)
	if err != nil {
		logger.Error("encoding response", zap.String("method", resp.ServiceMethod), zap.Error(err))
		out, err = c.Encode(message.ErrorReply(resp.ServiceMethod, errors.Annotate(err, "encoding response")))
		if err != nil {
			return
		}
	}

	replyHeader := &protocol.Header{
		CodecType:     header.CodecType,
		Serialization: header.Serialization,
		MsgType:       protocol.MsgTypeResponse,
		Seq:           header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	err = protocol.Encode(conn, replyHeader, out)
	if errors.Cause(err) == protocol.ErrBodyTooLarge {
		// Nothing was written, so the caller still gets an answer for this seq.
		logger.Warn("response too large", zap.String("method", resp.ServiceMethod), zap.Int("bytes", len(out)))
		out, err = c.Encode(message.ErrorReply(resp.ServiceMethod, errors.Annotate(err, "encoding response")))
		if err == nil {
			err = protocol.Encode(conn, replyHeader, out)
		}
	}
	if err != nil {
		logger.Debug("writing response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// dispatch is the innermost handler: it looks up "Service.Method" and runs the method
// with the payload decoded by the serialization named in the request header.
func (s *Server) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return message.ErrorReply(req.ServiceMethod, errors.NotValidf("service method %q", req.ServiceMethod))
	}
	svc, ok := s.serviceMap[serviceName]
	if !ok {
		return message.ErrorReply(req.ServiceMethod, errors.NotFoundf("service %s", serviceName))
	}
	handler, ok := svc.methods[methodName]
	if !ok {
		return message.ErrorReply(req.ServiceMethod, errors.NotFoundf("method %s", req.ServiceMethod))
	}

	ser := serialization.Get(serialization.FromContext(ctx))
	reply, err := handler(ctx, func(v any) error {
		return errors.Annotate(ser.Unmarshal(req.Payload, v), "decoding payload")
	})
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, err)
	}

	payload, err := ser.Marshal(reply)
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, errors.Annotate(err, "encoding reply"))
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
}

// Shutdown stops the server gracefully:
//  1. withdraw the services from the registry so clients stop routing here
//  2. set the shutdown flag, then close the listener
//  3. wait for in-flight requests, bounded by ctx
//  4. close the remaining connections
func (s *Server) Shutdown(ctx context.Context) error {
	if s.registry != nil {
		for name := range s.serviceMap {
			if err := s.registry.Deregister(ctx, name, s.advertiseAddr); err != nil {
				s.logger.Warn("deregistering service", zap.String("service", name), zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Annotate(ctx.Err(), "waiting for in-flight requests")
	}

	s.cancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.logger.Info("rpc server stopped", zap.Error(err))
	return err
}

func isClosedConn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "use of closed network connection")
}
