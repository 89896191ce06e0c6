package loadbalance

import (
	"math/rand"

	"anyrpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. Instances without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weight(instance registry.Instance) int {
	if instance.Weight <= 0 {
		return 1
	}
	return instance.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance, _ string) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}

	total := 0
	for _, instance := range instances {
		total += weight(instance)
	}

	r := rand.Intn(total)
	for _, instance := range instances {
		r -= weight(instance)
		if r < 0 {
			return instance, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
