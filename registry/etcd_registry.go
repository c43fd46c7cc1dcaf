// etcd-backed Registry.
//
// etcd is a distributed key-value store with strong consistency (Raft). We
// use it as a distributed phonebook:
//
//	Key:   /rpc-services/{serviceKey}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration rides on TTL leases: if the server crashes, the lease expires
// and the entry disappears on its own, so clients never see ghost instances.
// Plain "host:port" values written by older registrars are still accepted on
// the read path.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"flux-rpc/rpcerror"
)

// Config controls the etcd registry.
type Config struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	LeaseTTL       int64 // seconds
	Namespace      string
}

func DefaultConfig() Config {
	return Config{
		Endpoints:      []string{"127.0.0.1:2379"},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 3 * time.Second,
		LeaseTTL:       10,
		Namespace:      "/rpc-services",
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if len(c.Endpoints) == 0 {
		c.Endpoints = d.Endpoints
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	c.Namespace = strings.TrimSuffix(c.Namespace, "/")
}

// registration tracks one live lease so Deregister and Close can revoke it.
type registration struct {
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc // stops the keep-alive stream
}

// watchState caches the instance list for one service. The watch goroutine
// is the only writer of ptr after init; readers load without locking.
type watchState struct {
	once sync.Once
	err  error
	ptr  atomic.Pointer[[]ServiceInstance]

	mu   sync.Mutex
	subs []chan []ServiceInstance
}

func (ws *watchState) broadcast(list []ServiceInstance) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, sub := range ws.subs {
		out := make([]ServiceInstance, len(list))
		copy(out, list)
		select {
		case sub <- out:
		default:
			// Slow consumers pick up the next update instead of blocking
			// the watch loop.
		}
	}
}

func (ws *watchState) closeSubs() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, sub := range ws.subs {
		close(sub)
	}
	ws.subs = nil
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	cfg    Config
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	regs    map[string]*registration
	watches map[string]*watchState
	closed  bool
}

// New connects to etcd, retrying up to three times with exponential backoff
// starting at one second.
func New(cfg Config, log *zap.Logger) (*EtcdRegistry, error) {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("registry")

	var (
		client  *clientv3.Client
		err     error
		backoff = time.Second
	)
	for attempt := 1; attempt <= 3; attempt++ {
		client, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
		})
		if err == nil {
			statusCtx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
			_, err = client.Status(statusCtx, cfg.Endpoints[0])
			cancel()
			if err == nil {
				break
			}
			client.Close()
		}
		if attempt < 3 {
			log.Warn("etcd connect failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd %v: %v: %w", cfg.Endpoints, err, rpcerror.ErrTransport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client:  client,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		regs:    make(map[string]*registration),
		watches: make(map[string]*watchState),
	}, nil
}

func (r *EtcdRegistry) key(service, addr string) string {
	return r.cfg.Namespace + "/" + service + "/" + addr
}

func (r *EtcdRegistry) prefix(service string) string {
	return r.cfg.Namespace + "/" + service + "/"
}

func (r *EtcdRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Register writes the instance under a TTL lease and starts keep-alive.
//
//  1. Grant a lease (default 10 s)
//  2. Put key+value bound to the lease
//  3. KeepAlive renews in the background; if the stream dies while the
//     registry is still open, the instance re-registers itself
func (r *EtcdRegistry) Register(service string, inst ServiceInstance) error {
	if r.isClosed() {
		return fmt.Errorf("registry: closed: %w", rpcerror.ErrTransport)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %v: %w", err, rpcerror.ErrSerialization)
	}

	opCtx, opCancel := context.WithTimeout(r.ctx, r.cfg.RequestTimeout)
	defer opCancel()

	lease, err := r.client.Grant(opCtx, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %v: %w", err, rpcerror.ErrTransport)
	}
	if _, err := r.client.Put(opCtx, r.key(service, inst.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %v: %w", r.key(service, inst.Addr), err, rpcerror.ErrTransport)
	}

	// Keep-alive outlives this call; it stops when the registration is
	// cancelled or the registry closes.
	kaCtx, kaCancel := context.WithCancel(r.ctx)
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return fmt.Errorf("registry: keep-alive: %v: %w", err, rpcerror.ErrTransport)
	}

	key := service + "/" + inst.Addr
	r.mu.Lock()
	if old := r.regs[key]; old != nil {
		old.cancel()
	}
	r.regs[key] = &registration{leaseID: lease.ID, cancel: kaCancel}
	r.mu.Unlock()

	go r.keepRegistered(kaCtx, service, inst, ch)

	r.log.Info("registered instance",
		zap.String("service", service),
		zap.String("addr", inst.Addr),
		zap.Int64("leaseTTL", r.cfg.LeaseTTL))
	return nil
}

// keepRegistered drains keep-alive responses. A closed channel means the
// lease is gone: either we cancelled it, or etcd expired it (network
// partition, etcd restart) and the instance must re-register.
func (r *EtcdRegistry) keepRegistered(ctx context.Context, service string, inst ServiceInstance, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if ctx.Err() != nil || r.isClosed() {
		return
	}
	r.log.Warn("lease lost, re-registering",
		zap.String("service", service),
		zap.String("addr", inst.Addr))
	for {
		if err := r.Register(service, inst); err == nil {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Deregister revokes the lease and deletes the key. Safe to call for
// instances this registry never registered; the delete is unconditional.
func (r *EtcdRegistry) Deregister(service string, inst ServiceInstance) error {
	key := service + "/" + inst.Addr
	r.mu.Lock()
	reg := r.regs[key]
	delete(r.regs, key)
	r.mu.Unlock()

	opCtx, opCancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer opCancel()

	if reg != nil {
		reg.cancel()
		if _, err := r.client.Revoke(opCtx, reg.leaseID); err != nil {
			r.log.Warn("revoke lease failed", zap.String("service", service), zap.String("addr", inst.Addr), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(opCtx, r.key(service, inst.Addr)); err != nil {
		return fmt.Errorf("registry: delete %s: %v: %w", r.key(service, inst.Addr), err, rpcerror.ErrTransport)
	}
	r.log.Info("deregistered instance", zap.String("service", service), zap.String("addr", inst.Addr))
	return nil
}

// Discover returns the cached instance list, installing a watch on first
// use so the cache follows membership changes without polling.
func (r *EtcdRegistry) Discover(service string) ([]ServiceInstance, error) {
	ws, err := r.ensureWatch(service)
	if err != nil {
		return nil, err
	}
	p := ws.ptr.Load()
	if p == nil || len(*p) == 0 {
		return nil, fmt.Errorf("registry: no instances for %s: %w", service, rpcerror.ErrNoEndpoints)
	}
	out := make([]ServiceInstance, len(*p))
	copy(out, *p)
	return out, nil
}

// Watch subscribes to membership changes. The current snapshot is delivered
// first so callers need not pair it with a Discover.
func (r *EtcdRegistry) Watch(service string) (<-chan []ServiceInstance, error) {
	ws, err := r.ensureWatch(service)
	if err != nil {
		return nil, err
	}
	ch := make(chan []ServiceInstance, 4)
	if p := ws.ptr.Load(); p != nil {
		snap := make([]ServiceInstance, len(*p))
		copy(snap, *p)
		ch <- snap
	}
	ws.mu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.mu.Unlock()
	return ch, nil
}

// ensureWatch initializes the cache and watch goroutine for a service once.
// A failed init is forgotten so the next call can retry.
func (r *EtcdRegistry) ensureWatch(service string) (*watchState, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: closed: %w", rpcerror.ErrTransport)
	}
	ws := r.watches[service]
	if ws == nil {
		ws = &watchState{}
		r.watches[service] = ws
	}
	r.mu.Unlock()

	ws.once.Do(func() {
		list, err := r.fetch(service)
		if err != nil {
			ws.err = err
			return
		}
		ws.ptr.Store(&list)
		go r.watchLoop(service, ws)
	})
	if ws.err != nil {
		r.mu.Lock()
		if r.watches[service] == ws {
			delete(r.watches, service)
		}
		r.mu.Unlock()
		return nil, ws.err
	}
	return ws, nil
}

// watchLoop re-reads the full prefix on any child event and swaps the cache.
// Re-reading is simpler and more robust than replaying individual events.
func (r *EtcdRegistry) watchLoop(service string, ws *watchState) {
	wch := r.client.Watch(r.ctx, r.prefix(service), clientv3.WithPrefix())
	for range wch {
		list, err := r.fetch(service)
		if err != nil {
			r.log.Warn("refresh after watch event failed", zap.String("service", service), zap.Error(err))
			continue
		}
		ws.ptr.Store(&list)
		ws.broadcast(list)
		r.log.Debug("instance list updated", zap.String("service", service), zap.Int("count", len(list)))
	}
	ws.closeSubs()
}

// fetch reads all instances under the service prefix. etcd returns keys in
// ascending order, which keeps round-robin traversal stable across clients.
func (r *EtcdRegistry) fetch(service string) ([]ServiceInstance, error) {
	opCtx, opCancel := context.WithTimeout(r.ctx, r.cfg.RequestTimeout)
	defer opCancel()

	resp, err := r.client.Get(opCtx, r.prefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %v: %w", r.prefix(service), err, rpcerror.ErrTransport)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			// Legacy registrars wrote the bare address as the value.
			addr := strings.TrimSpace(string(kv.Value))
			if addr == "" {
				continue
			}
			inst = ServiceInstance{Addr: addr}
		}
		if inst.Addr == "" {
			continue
		}
		if inst.Weight <= 0 {
			inst.Weight = 1
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Close revokes all leases, stops watches, and closes the client. Idempotent.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	regs := r.regs
	r.regs = make(map[string]*registration)
	r.mu.Unlock()

	r.cancel()
	for key, reg := range regs {
		reg.cancel()
		opCtx, opCancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
		if _, err := r.client.Revoke(opCtx, reg.leaseID); err != nil {
			r.log.Warn("revoke lease on close failed", zap.String("registration", key), zap.Error(err))
		}
		opCancel()
	}
	return r.client.Close()
}
