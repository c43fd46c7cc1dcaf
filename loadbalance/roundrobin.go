package loadbalance

import (
	"sync/atomic"

	"flux-rpc/extension"
	"flux-rpc/message"
	"flux-rpc/registry"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

// Pick selects the next instance in round-robin order. The first call picks
// instances[0]; ties break by the natural (registry key) order of the list.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance, _ *message.Request) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, errNoInstances()
	}
	if len(instances) == 1 {
		return instances[0], nil
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "roundrobin"
}

func init() {
	extension.RegisterImpl("balancer", "roundrobin", func() (any, error) { return &RoundRobinBalancer{}, nil })
}
