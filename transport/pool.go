package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
)

// Pool holds up to size multiplexed transports per address.
//
// Transports are not borrowed and returned: each one carries many concurrent calls,
// so Get hands out a shared transport in round-robin order. Slots are dialed lazily and
// a transport whose connection broke is dropped and redialed on the next Get.
type Pool struct {
	network string
	size    int
	opts    Options

	mu     sync.Mutex
	conns  map[string][]*ClientTransport
	next   atomic.Uint64
	closed bool
}

// NewPool creates an empty pool. size below 1 is treated as 1.
func NewPool(network string, size int, opts Options) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		network: network,
		size:    size,
		opts:    opts,
		conns:   make(map[string][]*ClientTransport),
	}
}

// Get returns a live transport to addr, dialing a new one while the address has free slots.
func (p *Pool) Get(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	live := p.prune(addr)
	if len(live) >= p.size {
		t := live[p.next.Add(1)%uint64(len(live))]
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	// Dial outside the lock, a slow peer must not block calls to other addresses.
	t, err := Dial(ctx, p.network, addr, p.opts)
	if err != nil {
		return nil, errors.Trace(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return nil, ErrClosed
	}
	live = p.prune(addr)
	if len(live) >= p.size {
		// Lost the race to another dialer.
		t.Close()
		return live[p.next.Add(1)%uint64(len(live))], nil
	}
	p.conns[addr] = append(live, t)
	return t, nil
}

// prune drops closed transports for addr. Callers hold p.mu.
func (p *Pool) prune(addr string) []*ClientTransport {
	list := p.conns[addr]
	live := list[:0]
	for _, t := range list {
		if t.Err() == nil {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(list); i++ {
		list[i] = nil
	}
	p.conns[addr] = live
	return live
}

// Len reports the live transports held for addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prune(addr))
}

// Close closes every transport. Later Gets fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for addr, list := range p.conns {
		for _, t := range list {
			t.Close()
		}
		delete(p.conns, addr)
	}
	return nil
}
