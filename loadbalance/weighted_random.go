package loadbalance

import (
	"math/rand/v2"

	"uebridge/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weight(i registry.EngineInstance) int {
	if i.Weight <= 0 {
		return 1
	}
	return i.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.EngineInstance) (*registry.EngineInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weight(v)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
