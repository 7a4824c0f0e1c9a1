// Package loadbalance picks the instance that serves the next RPC call.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity, by ServiceInstance.Weight
//   - ConsistentHash:  sticks one caller to one instance while the set is stable
package loadbalance

import (
	"strings"

	"github.com/juju/errors"

	"pingrpc/registry"
)

// Balancer selects one instance out of the currently discovered list.
// Pick is called on every RPC and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

func errNoInstances() error {
	return errors.NotFoundf("service instances")
}

// New builds a balancer by configuration name. key is only used by the consistent
// hash balancer, where it identifies the caller.
func New(name string, key string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "roundrobin", "round_robin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted", "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
