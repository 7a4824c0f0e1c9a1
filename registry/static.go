package registry

import (
	"context"
	"sync"
)

// Static is an in-process registry. It backs direct composition (one process serving
// and calling itself) and tests, and notifies watchers like the networked registries.
type Static struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStatic() *Static {
	return &Static{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// Direct returns a Static registry with a single instance of serviceName at addr.
func Direct(serviceName, addr string) *Static {
	s := NewStatic()
	s.instances[serviceName] = []ServiceInstance{{Addr: addr, Weight: 1}}
	return s
}

func (s *Static) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	insts := s.instances[serviceName]
	for i := range insts {
		if insts[i].Addr == instance.Addr {
			insts[i] = instance
			s.notifyLocked(serviceName)
			return nil
		}
	}
	s.instances[serviceName] = append(insts, instance)
	s.notifyLocked(serviceName)
	return nil
}

func (s *Static) Deregister(_ context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	insts := s.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			s.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			s.notifyLocked(serviceName)
			break
		}
	}
	return nil
}

func (s *Static) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(serviceName), nil
}

func (s *Static) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	s.mu.Lock()
	s.watchers[serviceName] = append(s.watchers[serviceName], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				s.watchers[serviceName] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *Static) snapshotLocked(serviceName string) []ServiceInstance {
	insts := s.instances[serviceName]
	out := make([]ServiceInstance, len(insts))
	copy(out, insts)
	return out
}

// notifyLocked pushes the latest list to every watcher, replacing a value the watcher
// has not consumed yet so that a slow reader always sees the newest state.
func (s *Static) notifyLocked(serviceName string) {
	for _, ch := range s.watchers[serviceName] {
		snapshot := s.snapshotLocked(serviceName)
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
