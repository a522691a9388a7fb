package loadbalance

import (
	"math/rand"

	"github.com/zakharfsk/ipcx-typed/registry"
)

// WeightedRandom picks instances proportionally to their announced weight,
// for heterogeneous fleets. Instances without a weight count as 1.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances(b.Name())
	}

	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}

	r := rand.Intn(total)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandom) Name() string {
	return "WeightedRandom"
}

func weightOf(inst registry.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
