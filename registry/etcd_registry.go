package registry

// Etcd keeps service instances under
//
//	Key:   /pingrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration is attached to a TTL lease kept alive in the background: if the server
// dies the lease expires and the entry disappears on its own.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdPrefix = "/pingrpc/"

// Etcd implements Registry on etcd v3.
type Etcd struct {
	client *clientv3.Client
	logger *zap.Logger

	// Lease contexts live as long as the registry, not as long as the Register call.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, logger *zap.Logger) (*Etcd, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Etcd{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func etcdKey(serviceName, addr string) string {
	return etcdPrefix + serviceName + "/" + addr
}

// Register grants a lease, writes the instance under it, and keeps it alive.
func (r *Etcd) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "granting lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}

	key := etcdKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "putting %s", key)
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Annotate(err, "starting keepalive")
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain keepalive responses, the client stops renewing when the channel fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("keepalive stopped", zap.String("key", key))
	}()
	r.logger.Info("registered instance", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister deletes the instance and revokes its lease, which also stops the keepalive.
func (r *Etcd) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := etcdKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deleting %s", key)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return errors.Annotate(err, "revoking lease")
		}
	}
	return nil
}

// Discover lists every instance stored under the service prefix.
func (r *Etcd) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, etcdPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-lists the service on every change under its prefix.
func (r *Etcd) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := etcdPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("re-listing after watch event", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client.
func (r *Etcd) Close() error {
	r.cancel()
	return errors.Trace(r.client.Close())
}
