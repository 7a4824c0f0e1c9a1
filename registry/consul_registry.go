package registry

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Consul implements Registry on the consul agent HTTP API. Instances are registered
// with a TTL check that a background goroutine keeps passing; discovery only returns
// instances whose checks pass.
type Consul struct {
	client *api.Client
	logger *zap.Logger

	mu      sync.Mutex
	renewal map[string]context.CancelFunc // service id → TTL renewal loop
}

// NewConsul connects to the consul agent at addr ("127.0.0.1:8500" when empty).
func NewConsul(addr string, logger *zap.Logger) (*Consul, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Annotate(err, "creating consul client")
	}
	return &Consul{
		client:  c,
		logger:  logger,
		renewal: make(map[string]context.CancelFunc),
	}, nil
}

func consulServiceID(serviceName, addr string) string {
	return serviceName + "-" + addr
}

func (r *Consul) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	host, portStr, err := net.SplitHostPort(instance.Addr)
	if err != nil {
		return errors.Annotatef(err, "parsing instance address %q", instance.Addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Annotatef(err, "parsing instance port %q", portStr)
	}
	if ttl <= 0 {
		ttl = 10
	}

	id := consulServiceID(serviceName, instance.Addr)
	ttlDur := time.Duration(ttl) * time.Second
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Meta: map[string]string{
			"weight":  instance.weightString(),
			"version": instance.Version,
		},
		Check: &api.AgentServiceCheck{
			CheckID:                        "service:" + id,
			TTL:                            ttlDur.String(),
			DeregisterCriticalServiceAfter: (3 * ttlDur).String(),
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return errors.Annotatef(err, "registering %s", id)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if prev, ok := r.renewal[id]; ok {
		prev()
	}
	r.renewal[id] = cancel
	r.mu.Unlock()

	checkID := "service:" + id
	if err := r.client.Agent().UpdateTTL(checkID, "", api.HealthPassing); err != nil {
		r.logger.Warn("initial ttl update failed", zap.String("check", checkID), zap.Error(err))
	}
	go r.renewLoop(renewCtx, checkID, ttlDur/2)

	r.logger.Info("registered instance", zap.String("id", id), zap.Int64("ttl", ttl))
	return nil
}

func (r *Consul) renewLoop(ctx context.Context, checkID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Agent().UpdateTTL(checkID, "", api.HealthPassing); err != nil {
				r.logger.Warn("ttl update failed", zap.String("check", checkID), zap.Error(err))
			}
		}
	}
}

func (r *Consul) Deregister(ctx context.Context, serviceName string, addr string) error {
	id := consulServiceID(serviceName, addr)

	r.mu.Lock()
	if cancel, ok := r.renewal[id]; ok {
		cancel()
		delete(r.renewal, id)
	}
	r.mu.Unlock()

	return errors.Annotatef(r.client.Agent().ServiceDeregister(id), "deregistering %s", id)
}

func (r *Consul) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	instances, _, err := r.query(ctx, serviceName, 0)
	return instances, err
}

func (r *Consul) query(ctx context.Context, serviceName string, waitIndex uint64) ([]ServiceInstance, uint64, error) {
	opts := (&api.QueryOptions{WaitIndex: waitIndex}).WithContext(ctx)
	entries, meta, err := r.client.Health().Service(serviceName, "", true, opts)
	if err != nil {
		return nil, 0, errors.Annotatef(err, "querying %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, e := range entries {
		weight, err := strconv.Atoi(e.Service.Meta["weight"])
		if err != nil || weight <= 0 {
			weight = 1
		}
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		instances = append(instances, ServiceInstance{
			Addr:    net.JoinHostPort(addr, strconv.Itoa(e.Service.Port)),
			Weight:  weight,
			Version: e.Service.Meta["version"],
		})
	}
	return instances, meta.LastIndex, nil
}

// Watch uses consul blocking queries: each query returns once the service's index
// moves past the last one seen.
func (r *Consul) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		var index uint64
		for ctx.Err() == nil {
			instances, next, err := r.query(ctx, serviceName, index)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("consul watch failed", zap.String("service", serviceName), zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			if next == index {
				continue
			}
			// Index going backwards means the agent state was reset; start over.
			if next < index {
				next = 0
			}
			index = next
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every TTL renewal loop. Registered services expire after their
// deregister-critical timeout unless they were deregistered first.
func (r *Consul) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.renewal {
		cancel()
		delete(r.renewal, id)
	}
	return nil
}
