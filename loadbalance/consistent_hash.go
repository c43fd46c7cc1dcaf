package loadbalance

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"flux-rpc/extension"
	"flux-rpc/message"
	"flux-rpc/registry"
)

// virtualNodes is the number of ring positions per physical instance.
// Without virtual nodes, three instances might cluster together on the
// ring and take wildly uneven shares; 160 positions per instance gives
// statistical uniformity.
const virtualNodes = 160

// maxCachedRings bounds the ring cache. Endpoint sets churn slowly, so the
// cache rarely holds more than a handful of rings; the bound only guards
// against pathological membership flapping.
const maxCachedRings = 256

// ConsistentHashBalancer maps request keys to instances using a hash ring,
// so the same logical entity (user, order, session) lands on the same
// instance while the instance set is stable — cache affinity for stateful
// services.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Rings are immutable once built and cached per endpoint set; a membership
// change selects (or builds) a different ring rather than mutating one in
// place, keeping Pick lock-free after the cache hit.
type ConsistentHashBalancer struct {
	mu    sync.RWMutex
	rings map[string]*hashRing
}

type hashRing struct {
	hashes []uint64                            // sorted ring positions
	owners map[uint64]string                   // position → instance addr
	insts  map[string]registry.ServiceInstance // addr → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{rings: make(map[string]*hashRing)}
}

// Pick hashes the request key onto the ring and returns the owning instance:
// the first ring position >= the key's hash, wrapping to the start of the
// ring when the hash is larger than every position.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, req *message.Request) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, errNoInstances()
	}
	if len(instances) == 1 {
		return instances[0], nil
	}

	ring := b.ringFor(instances)
	h := hash64(requestKey(req))
	idx := sort.Search(len(ring.hashes), func(i int) bool {
		return ring.hashes[i] >= h
	})
	if idx == len(ring.hashes) {
		idx = 0
	}
	return ring.insts[ring.owners[ring.hashes[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistenthash"
}

// ringFor returns the cached ring for this endpoint set, building it on
// first sight. The cache key is the canonical (sorted) address list, so the
// same membership always maps to the same ring regardless of input order.
func (b *ConsistentHashBalancer) ringFor(instances []registry.ServiceInstance) *hashRing {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)
	key := strings.Join(addrs, ",")

	b.mu.RLock()
	ring := b.rings[key]
	b.mu.RUnlock()
	if ring != nil {
		return ring
	}

	ring = buildRing(addrs, instances)

	b.mu.Lock()
	if existing := b.rings[key]; existing != nil {
		ring = existing
	} else {
		if len(b.rings) >= maxCachedRings {
			b.rings = make(map[string]*hashRing)
		}
		b.rings[key] = ring
	}
	b.mu.Unlock()
	return ring
}

// buildRing places virtualNodes positions per instance, named "{addr}#VN{i}".
// Addresses are walked in canonical order so concurrent builders produce
// identical rings even on the (astronomically rare) position collision.
func buildRing(sortedAddrs []string, instances []registry.ServiceInstance) *hashRing {
	byAddr := make(map[string]registry.ServiceInstance, len(instances))
	for i := range instances {
		byAddr[instances[i].Addr] = instances[i]
	}

	ring := &hashRing{
		hashes: make([]uint64, 0, len(sortedAddrs)*virtualNodes),
		owners: make(map[uint64]string, len(sortedAddrs)*virtualNodes),
		insts:  byAddr,
	}
	for _, addr := range sortedAddrs {
		for i := 0; i < virtualNodes; i++ {
			h := hash64(addr + "#VN" + strconv.Itoa(i))
			if _, taken := ring.owners[h]; taken {
				continue
			}
			ring.owners[h] = addr
			ring.hashes = append(ring.hashes, h)
		}
	}
	sort.Slice(ring.hashes, func(i, j int) bool { return ring.hashes[i] < ring.hashes[j] })
	return ring
}

// hash64 reduces MD5 to 64 bits: the first 8 digest bytes, big-endian.
func hash64(s string) uint64 {
	sum := md5.Sum([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// requestKey derives the affinity key interface#method#version#group#p,
// where p is a stable hash of the first parameter. Requests without
// parameters still hash deterministically on the method identity.
func requestKey(req *message.Request) string {
	if req == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(req.Interface)
	sb.WriteByte('#')
	sb.WriteString(req.Method)
	sb.WriteByte('#')
	sb.WriteString(req.Version)
	sb.WriteByte('#')
	sb.WriteString(req.Group)
	sb.WriteByte('#')
	sb.WriteString(strconv.FormatUint(paramHash(req.FirstParam()), 10))
	return sb.String()
}

func paramHash(p any) uint64 {
	if p == nil {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", p)
	return h.Sum64()
}

func init() {
	extension.RegisterImpl("balancer", "consistenthash", func() (any, error) { return NewConsistentHashBalancer(), nil })
}
