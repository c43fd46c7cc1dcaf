package loadbalance

import (
	"flux-rpc/extension"
	"flux-rpc/message"
	"flux-rpc/registry"
)

// Selector couples a registry with a balancing strategy: discover the live
// instance set for the request's service key, then pick one.
type Selector struct {
	reg      registry.Registry
	balancer Balancer
}

// NewSelector builds a selector. The strategy is resolved by name through
// the extension loader; an empty name selects the default strategy (random).
func NewSelector(reg registry.Registry, strategy string) (*Selector, error) {
	b, err := extension.Resolve[Balancer]("balancer", strategy)
	if err != nil {
		return nil, err
	}
	return &Selector{reg: reg, balancer: b}, nil
}

// NewSelectorWith builds a selector around an explicit strategy instance.
func NewSelectorWith(reg registry.Registry, b Balancer) *Selector {
	return &Selector{reg: reg, balancer: b}
}

// Balancer returns the strategy in use.
func (s *Selector) Balancer() Balancer { return s.balancer }

// SelectEndpoint discovers instances for req's service key and picks one.
// No live instances → rpcerror.ErrNoEndpoints from the discovery step.
func (s *Selector) SelectEndpoint(req *message.Request) (registry.ServiceInstance, error) {
	instances, err := s.reg.Discover(req.ServiceKey())
	if err != nil {
		return registry.ServiceInstance{}, err
	}
	return s.balancer.Pick(instances, req)
}
