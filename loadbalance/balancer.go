// Package loadbalance picks one engine host among the discovered instances.
//
// Strategies:
//   - RoundRobin:     equal hosts, spread sessions evenly
//   - WeightedRandom: hosts of different capacity
//   - ConsistentHash: a client name always lands on the same host
package loadbalance

import (
	"errors"
	"fmt"

	"uebridge/registry"
)

var ErrNoInstances = errors.New("no engine instances available")

// Balancer selects the instance a client connects to. Pick must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.EngineInstance) (*registry.EngineInstance, error)
	Name() string
}

// New returns the balancer named by strategy ("round_robin", "weighted_random",
// "consistent_hash"). key is the hash key for consistent_hash.
func New(strategy, key string) (Balancer, error) {
	switch strategy {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return &keyedBalancer{key: key}, nil
	}
	return nil, fmt.Errorf("unknown balancer %q", strategy)
}
