// Package registry is the service discovery layer: servers register the address they
// serve on, clients discover and watch the instances behind a service name.
package registry

import (
	"context"
	"strconv"
)

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces instance under serviceName. ttl is in seconds; implementations
	// that support leases keep the entry alive until Deregister or process death.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes. The channel is closed
	// when ctx is done, or earlier if the registry can no longer follow changes.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func (i ServiceInstance) weightString() string {
	return strconv.Itoa(i.Weight)
}
