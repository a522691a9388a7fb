// Package registry provides optional service announcement and discovery, so
// clients can find server instances by service name instead of a hardcoded
// address.
package registry

import "context"

// Instance is one announced server endpoint.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // for weighted balancing
	Version string `json:"version,omitempty"`
}

// Registry abstracts the discovery backend.
type Registry interface {
	// Announce publishes an instance under a service name with a TTL in
	// seconds. The entry is renewed automatically until Withdraw or process
	// death, so crashed instances expire on their own.
	Announce(service string, instance Instance, ttl int64) error

	// Withdraw removes an instance, typically during graceful shutdown.
	Withdraw(service string, addr string) error

	// Discover returns the currently announced instances of a service.
	Discover(service string) ([]Instance, error)

	// Watch emits the updated instance list whenever it changes, until ctx
	// is cancelled.
	Watch(ctx context.Context, service string) <-chan []Instance
}
