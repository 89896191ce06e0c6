package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"anyrpc/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring. The same key
// maps to the same instance until the instance set changes, and a change only
// moves the keys of the affected instances.
//
// Each instance is placed on the ring as many virtual nodes so that a few
// instances still split the ring evenly.
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
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	rings *lru.Cache // instance addresses → *ring
}

type ring struct {
	hashes []uint32                     // sorted
	nodes  map[uint32]registry.Instance // hash value → instance
}

// NewConsistentHashBalancer creates rings with 100 virtual nodes per
// instance. The rings of the 16 most recently used instance sets are kept.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100, rings: lru.New(16)}
}

// Pick hashes key and walks clockwise to the first virtual node.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance, key string) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}

	r := b.ringFor(instances)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	// wrap around past the largest node
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]], nil
}

func (b *ConsistentHashBalancer) ringFor(instances []registry.Instance) *ring {
	ident := ringIdent(instances)

	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.rings.Get(ident); ok {
		return r.(*ring)
	}
	r := b.build(instances)
	b.rings.Add(ident, r)
	return r
}

func (b *ConsistentHashBalancer) build(instances []registry.Instance) *ring {
	r := &ring{
		hashes: make([]uint32, 0, len(instances)*b.replicas),
		nodes:  make(map[uint32]registry.Instance, len(instances)*b.replicas),
	}
	for _, instance := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = instance
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool {
		return r.hashes[i] < r.hashes[j]
	})
	return r
}

func ringIdent(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, instance := range instances {
		addrs[i] = instance.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
