package registry

import (
	"fmt"
	"sort"
	"sync"

	"flux-rpc/rpcerror"
)

// StaticRegistry serves a fixed (or manually adjusted) instance set from
// memory. It backs direct-connection deployments and tests where an etcd
// cluster would be overkill.
type StaticRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	subs      map[string][]chan []ServiceInstance
	closed    bool
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		subs:      make(map[string][]chan []ServiceInstance),
	}
}

func (s *StaticRegistry) Register(service string, inst ServiceInstance) error {
	if inst.Weight <= 0 {
		inst.Weight = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("registry: closed: %w", rpcerror.ErrTransport)
	}
	list := s.instances[service]
	for i := range list {
		if list[i].Addr == inst.Addr {
			list[i] = inst
			s.notifyLocked(service)
			return nil
		}
	}
	list = append(list, inst)
	// Keep the same ascending-address order etcd would return.
	sort.Slice(list, func(i, j int) bool { return list[i].Addr < list[j].Addr })
	s.instances[service] = list
	s.notifyLocked(service)
	return nil
}

func (s *StaticRegistry) Deregister(service string, inst ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.instances[service]
	for i := range list {
		if list[i].Addr == inst.Addr {
			s.instances[service] = append(list[:i], list[i+1:]...)
			s.notifyLocked(service)
			return nil
		}
	}
	return nil
}

func (s *StaticRegistry) Discover(service string) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("registry: closed: %w", rpcerror.ErrTransport)
	}
	list := s.instances[service]
	if len(list) == 0 {
		return nil, fmt.Errorf("registry: no instances for %s: %w", service, rpcerror.ErrNoEndpoints)
	}
	out := make([]ServiceInstance, len(list))
	copy(out, list)
	return out, nil
}

func (s *StaticRegistry) Watch(service string) (<-chan []ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("registry: closed: %w", rpcerror.ErrTransport)
	}
	ch := make(chan []ServiceInstance, 4)
	if list := s.instances[service]; len(list) > 0 {
		snap := make([]ServiceInstance, len(list))
		copy(snap, list)
		ch <- snap
	}
	s.subs[service] = append(s.subs[service], ch)
	return ch, nil
}

func (s *StaticRegistry) notifyLocked(service string) {
	list := s.instances[service]
	for _, sub := range s.subs[service] {
		snap := make([]ServiceInstance, len(list))
		copy(snap, list)
		select {
		case sub <- snap:
		default:
		}
	}
}

func (s *StaticRegistry) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			close(sub)
		}
	}
	s.subs = make(map[string][]chan []ServiceInstance)
	return nil
}
