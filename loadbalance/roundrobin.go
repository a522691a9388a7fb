package loadbalance

import (
	"sync/atomic"

	"github.com/zakharfsk/ipcx-typed/registry"
)

// RoundRobin distributes dials evenly across instances in order. The atomic
// counter keeps Pick lock-free.
type RoundRobin struct {
	counter atomic.Int64
}

func (b *RoundRobin) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances(b.Name())
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
