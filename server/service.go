package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"flux-rpc/message"
)

// Handler executes one method of a service. The request carries the raw
// payload plus wire metadata; whatever the handler returns is encoded with
// the request's codec into the response payload.
type Handler func(ctx context.Context, req *message.Request) (any, error)

// Service is one registrable unit: an interface name, a group, a version
// and an explicit method table. Dispatch is a map lookup; there is no
// reflection anywhere on the hot path.
type Service struct {
	Interface string
	Group     string
	Version   string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewService creates a service under the given interface name. Group
// defaults to "default" and version to "1.0".
func NewService(iface string) *Service {
	return &Service{
		Interface: iface,
		Group:     "default",
		Version:   "1.0",
		handlers:  make(map[string]Handler),
	}
}

// WithGroup overrides the deployment group.
func (s *Service) WithGroup(group string) *Service {
	if group != "" {
		s.Group = group
	}
	return s
}

// WithVersion overrides the service version.
func (s *Service) WithVersion(version string) *Service {
	if version != "" {
		s.Version = version
	}
	return s
}

// Handle binds a method name to its handler. Chainable; a second bind for
// the same name replaces the first.
func (s *Service) Handle(method string, h Handler) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
	return s
}

// Key is the identity this service registers and dispatches under.
func (s *Service) Key() string {
	return message.ServiceKey(s.Interface, s.Group, s.Version)
}

// Methods lists the bound method names, sorted.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Service) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

func (s *Service) validate() error {
	if s.Interface == "" {
		return fmt.Errorf("server: service has no interface name")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.handlers) == 0 {
		return fmt.Errorf("server: service %s has no methods", s.Interface)
	}
	return nil
}
