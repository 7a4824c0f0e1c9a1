package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"pingrpc/registry"
)

// ConsistentHashBalancer maps a key onto a hash ring of instances. Each instance owns
// replicas virtual nodes hashed from "{addr}#{i}", which keeps the ring balanced with
// only a handful of instances.
//
// As a Balancer it hashes the key it was built with, so one caller keeps talking to
// the same instance until the instance set changes.
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	ring  []uint32                             // Sorted virtual node hashes
	nodes map[uint32]*registry.ServiceInstance // Virtual node hash → instance
	addrs string                               // Instance set the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Pick rebuilds the ring when the instance set changed, then hashes the balancer key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.addrs {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.ServiceInstance, len(instances)*b.replicas)
		for i := range instances {
			inst := instances[i]
			b.addLocked(&inst)
		}
		sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
		b.addrs = sig
	}
	return b.pickLocked(b.key), nil
}

// pickLocked binary-searches the first virtual node at or after the key's hash,
// wrapping around to the start of the ring.
func (b *ConsistentHashBalancer) pickLocked(key string) *registry.ServiceInstance {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
