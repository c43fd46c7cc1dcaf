// Package registry provides service registration and discovery.
//
// Servers register themselves under a service key (interface#group#version)
// and clients discover the live instance set. The etcd implementation backs
// production deployments; StaticRegistry serves tests and fixed topologies.
package registry

// ServiceInstance is one addressable provider of a service.
type ServiceInstance struct {
	Addr   string `json:"addr"`
	Weight int    `json:"weight,omitempty"` // load-balancing weight, 1 when unset
}

// Registry is the discovery contract shared by the etcd and static backends.
type Registry interface {
	// Register announces an instance under the service key. The entry stays
	// alive for as long as the registry keeps it alive (etcd: lease keep-alive).
	Register(service string, inst ServiceInstance) error

	// Deregister withdraws an instance. Called during graceful shutdown
	// before the listener closes, so clients stop routing new requests here.
	Deregister(service string, inst ServiceInstance) error

	// Discover returns the current instance set. Empty sets are reported as
	// rpcerror.ErrNoEndpoints.
	Discover(service string) ([]ServiceInstance, error)

	// Watch emits a fresh instance list whenever membership changes. The
	// channel closes when the registry closes.
	Watch(service string) (<-chan []ServiceInstance, error)

	// Close releases leases, watches, and the backing client. Idempotent.
	Close() error
}
