package registry

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"flux-rpc/rpcerror"
)

// etcdConfig returns a config for the cluster named by FLUX_ETCD_ENDPOINTS,
// or skips the test when none is available.
func etcdConfig(t *testing.T) Config {
	t.Helper()
	env := os.Getenv("FLUX_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("set FLUX_ETCD_ENDPOINTS to run etcd registry tests")
	}
	cfg := DefaultConfig()
	cfg.Endpoints = strings.Split(env, ",")
	cfg.Namespace = "/flux-rpc-test"
	return cfg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := New(etcdConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	service := "com.flux.Arith#default#1.0"
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5}

	if err := reg.Register(service, inst1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(service, inst2); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(service, inst2)

	instances, err := reg.Discover(service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].Addr > instances[1].Addr {
		t.Fatalf("instances not in key order: %+v", instances)
	}

	// Deregister one and let the watch refresh the cache.
	if err := reg.Deregister(service, inst1); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		instances, err = reg.Discover(service)
		if err == nil && len(instances) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect 1 instance after deregister, got %d (err %v)", len(instances), err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}
}

func TestEtcdWatchSeesMembershipChange(t *testing.T) {
	reg, err := New(etcdConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	service := "com.flux.Watchee#default#1.0"
	inst := ServiceInstance{Addr: "127.0.0.1:8101"}

	ch, err := reg.Watch(service)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(service, inst); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(service, inst)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case list := <-ch:
			if len(list) == 1 && list[0].Addr == inst.Addr {
				return
			}
		case <-deadline:
			t.Fatal("watch never delivered the registration")
		}
	}
}

func TestEtcdDiscoverEmptyService(t *testing.T) {
	reg, err := New(etcdConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	_, err = reg.Discover("com.flux.Ghost#default#1.0")
	if !errors.Is(err, rpcerror.ErrNoEndpoints) {
		t.Fatalf("empty service gave %v, want ErrNoEndpoints", err)
	}
}

func TestEtcdCloseIsIdempotent(t *testing.T) {
	reg, err := New(etcdConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := reg.Register("x", ServiceInstance{Addr: "127.0.0.1:1"}); !errors.Is(err, rpcerror.ErrTransport) {
		t.Fatalf("register after close gave %v", err)
	}
}
