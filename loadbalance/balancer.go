// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Four strategies are implemented:
//   - Random:          Stateless services, no coordination cost
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
//
// Strategies are also published through the extension loader under the
// "balancer" capability, so deployments can name one in configuration.
package loadbalance

import (
	"fmt"

	"flux-rpc/message"
	"flux-rpc/registry"
	"flux-rpc/rpcerror"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. The request is
	// supplied for key-based strategies; stateless ones ignore it.
	// Called on every RPC call — must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, req *message.Request) (registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

func errNoInstances() error {
	return fmt.Errorf("loadbalance: no instances available: %w", rpcerror.ErrNoEndpoints)
}
