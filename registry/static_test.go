package registry

import (
	"errors"
	"testing"

	"flux-rpc/rpcerror"
)

func TestStaticRegisterDiscoverDeregister(t *testing.T) {
	reg := NewStaticRegistry()
	defer reg.Close()

	service := "com.flux.Arith#default#1.0"
	if err := reg.Register(service, ServiceInstance{Addr: "10.0.0.2:9000"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(service, ServiceInstance{Addr: "10.0.0.1:9000", Weight: 3}); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].Addr != "10.0.0.1:9000" || instances[1].Addr != "10.0.0.2:9000" {
		t.Fatalf("instances not address-ordered: %+v", instances)
	}
	if instances[0].Weight != 3 || instances[1].Weight != 1 {
		t.Fatalf("weights not preserved/defaulted: %+v", instances)
	}

	if err := reg.Deregister(service, ServiceInstance{Addr: "10.0.0.1:9000"}); err != nil {
		t.Fatal(err)
	}
	instances, err = reg.Discover(service)
	if err != nil || len(instances) != 1 {
		t.Fatalf("after deregister: %v %+v", err, instances)
	}
}

func TestStaticDiscoverUnknownService(t *testing.T) {
	reg := NewStaticRegistry()
	defer reg.Close()

	_, err := reg.Discover("com.flux.Ghost#default#1.0")
	if !errors.Is(err, rpcerror.ErrNoEndpoints) {
		t.Fatalf("unknown service gave %v, want ErrNoEndpoints", err)
	}
}

func TestStaticWatchDeliversChanges(t *testing.T) {
	reg := NewStaticRegistry()
	defer reg.Close()

	service := "com.flux.Watchee#default#1.0"
	ch, err := reg.Watch(service)
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Register(service, ServiceInstance{Addr: "10.0.0.1:9000"}); err != nil {
		t.Fatal(err)
	}
	list := <-ch
	if len(list) != 1 || list[0].Addr != "10.0.0.1:9000" {
		t.Fatalf("unexpected update: %+v", list)
	}

	if err := reg.Deregister(service, ServiceInstance{Addr: "10.0.0.1:9000"}); err != nil {
		t.Fatal(err)
	}
	list = <-ch
	if len(list) != 0 {
		t.Fatalf("expected empty update after deregister, got %+v", list)
	}
}

func TestStaticRegisterSameAddrReplaces(t *testing.T) {
	reg := NewStaticRegistry()
	defer reg.Close()

	service := "com.flux.Arith#default#1.0"
	reg.Register(service, ServiceInstance{Addr: "10.0.0.1:9000", Weight: 1})
	reg.Register(service, ServiceInstance{Addr: "10.0.0.1:9000", Weight: 7})

	instances, err := reg.Discover(service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Weight != 7 {
		t.Fatalf("re-register did not replace: %+v", instances)
	}
}
