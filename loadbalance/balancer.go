// Package loadbalance selects one instance from a discovered set when a
// client dials a service through the registry.
package loadbalance

import (
	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/registry"
)

// Balancer picks a target instance. Pick may run from concurrent dials and
// must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)
	Name() string
}

func errNoInstances(strategy string) error {
	return ipcerr.New(ipcerr.KindConnection, "no instances available ("+strategy+")")
}
