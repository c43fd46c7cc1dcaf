package loadbalance

import (
	"math/rand/v2"

	"flux-rpc/extension"
	"flux-rpc/message"
	"flux-rpc/registry"
)

// RandomBalancer picks a uniformly random instance. It is the default
// strategy: stateless, lock-free, and good enough whenever instances are
// interchangeable.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []registry.ServiceInstance, _ *message.Request) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, errNoInstances()
	}
	if len(instances) == 1 {
		return instances[0], nil
	}
	return instances[rand.IntN(len(instances))], nil
}

func (b *RandomBalancer) Name() string {
	return "random"
}

func init() {
	extension.RegisterImpl("balancer", "random", func() (any, error) { return &RandomBalancer{}, nil })
}
