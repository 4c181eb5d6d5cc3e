package loadbalance

import (
	"sync/atomic"

	"uebridge/registry"
)

// RoundRobinBalancer cycles through the instances with an atomic counter.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.EngineInstance) (*registry.EngineInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
