package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"uebridge/registry"
)

// ConsistentHashBalancer maps keys onto a hash ring of instances, so a key keeps
// landing on the same host until the ring changes. Each instance gets replicas
// virtual nodes to even out the spread.
//
// It is not goroutine-safe; build a ring per pick or guard it.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]*registry.EngineInstance
}

// NewConsistentHashBalancer creates an empty ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.EngineInstance),
	}
}

// Add places an instance on the ring; virtual node i hashes "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance *registry.EngineInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick returns the first node clockwise from the key's hash, wrapping around.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.EngineInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// keyedBalancer adapts the ring to Balancer for one fixed key.
type keyedBalancer struct {
	key string
}

func (b *keyedBalancer) Pick(instances []registry.EngineInstance) (*registry.EngineInstance, error) {
	ring := NewConsistentHashBalancer()
	for i := range instances {
		ring.Add(&instances[i])
	}
	return ring.Pick(b.key)
}

func (b *keyedBalancer) Name() string {
	return "ConsistentHash"
}
