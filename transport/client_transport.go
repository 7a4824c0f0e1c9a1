// Package transport implements the client side of the wire: many concurrent calls
// multiplexed over one TCP connection.
//
// Each request gets a sequence id and a buffered channel in the pending map. A single
// goroutine (recvLoop) reads every response and hands it to the channel registered
// under its sequence id, so responses may arrive in any order.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"pingrpc/codec"
	"pingrpc/message"
	"pingrpc/protocol"
	"pingrpc/serialization"
)

// ErrClosed is returned for calls on a transport that was closed or whose connection broke.
var ErrClosed = errors.New("transport closed")

const DefaultHeartbeatInterval = 30 * time.Second

// Options configure a ClientTransport.
type Options struct {
	Codec             codec.CodecType
	Serialization     serialization.Type // Written into every request header
	HeartbeatInterval time.Duration      // 0 uses DefaultHeartbeatInterval, negative disables
	Logger            *zap.Logger
}

// ClientTransport owns one multiplexed connection.
type ClientTransport struct {
	conn   net.Conn
	opts   Options
	logger *zap.Logger

	seq     uint32   // Guarded by sending
	pending sync.Map // map[uint32]chan *message.RPCMessage
	sending sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	err       error // Why the transport closed; set before closed is closed
}

// Dial connects to addr and starts a transport on the connection.
func Dial(ctx context.Context, network, addr string, opts Options) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	return NewClientTransport(conn, opts), nil
}

// NewClientTransport takes ownership of conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		closed: make(chan struct{}),
	}
	go t.recvLoop()

	interval := opts.HeartbeatInterval
	if interval == 0 {
		interval = DefaultHeartbeatInterval
	}
	if interval > 0 {
		go t.heartbeatLoop(interval)
	}
	return t
}

// Send encodes req and writes it as one frame. It returns the sequence id and the
// channel that receives the response. The frame is written under the sending lock so
// that concurrent callers never interleave bytes on the stream.
func (t *ClientTransport) Send(req *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	body, err := codec.GetCodec(t.opts.Codec).Encode(req)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.closed:
		return 0, nil, t.err
	default:
	}

	t.seq++
	seq := t.seq

	header := protocol.Header{
		CodecType:     byte(t.opts.Codec),
		Serialization: byte(t.opts.Serialization),
		MsgType:       protocol.MsgTypeRequest,
		Seq:           seq,
	}

	// Register before writing, the response can beat the return from Encode.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return 0, nil, errors.Annotate(err, "sending request")
	}
	return seq, respChan, nil
}

// Call sends req and waits for its response, the transport closing, or ctx ending.
func (t *ClientTransport) Call(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(req)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, errors.Annotatef(ctx.Err(), "waiting for %s", req.ServiceMethod)
	case <-t.closed:
		// The response may have been routed just before the connection broke.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		t.pending.Delete(seq)
		return nil, t.err
	}
}

// recvLoop is the only reader of the connection: frames must be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		channel, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			// Caller gave up (ctx done) before the response arrived.
			t.logger.Debug("dropping response without caller", zap.Uint32("seq", header.Seq))
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = message.LocalFailure("", errors.Annotate(err, "decoding response"))
		}
		channel.(chan *message.RPCMessage) <- resp
	}
}

// fail closes the transport once, recording why, and releases every pending caller.
func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.err = errors.Wrap(cause, ErrClosed)
		close(t.closed)
		t.conn.Close()
		t.logger.Debug("transport closed", zap.Error(cause))

		t.pending.Range(func(key, value any) bool {
			if _, ok := t.pending.LoadAndDelete(key); ok {
				value.(chan *message.RPCMessage) <- message.LocalFailure("", t.err)
			}
			return true
		})
	})
}

// heartbeatLoop keeps idle connections alive. Heartbeat frames carry no body.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}

// Close shuts the connection down. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed once the transport can no longer be used.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// Err returns why the transport closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}
