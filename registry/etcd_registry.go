// etcd-backed Registry. Instances live under
//
//	Key:   /ipcx/{service}/{addr}
//	Value: JSON-encoded Instance
//
// attached to a TTL lease: if the announcing process dies, the lease expires
// and the entry disappears without leaving a ghost instance behind.
package registry

import (
	"context"
	"encoding/json"

	"github.com/nuclio/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/ipcx/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints. Pass a nop logger
// (or nil) to silence it.
func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to etcd")
	}
	return &EtcdRegistry{client: c, log: log}, nil
}

// Announce grants a TTL lease, stores the instance under it and starts
// background lease renewal. The lease id stays local so several servers can
// share one registry instance without racing.
func (r *EtcdRegistry) Announce(service string, instance Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "Failed to grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal instance")
	}

	_, err = r.client.Put(ctx, keyPrefix+service+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrap(err, "Failed to store instance")
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "Failed to start lease renewal")
	}

	// Drain renewal acks so the channel never fills up.
	go func() {
		for range ch {
		}
	}()

	r.log.Debug("announced instance",
		zap.String("service", service), zap.String("addr", instance.Addr))
	return nil
}

// Withdraw removes an instance entry.
func (r *EtcdRegistry) Withdraw(service string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+service+"/"+addr)
	if err != nil {
		return errors.Wrap(err, "Failed to delete instance")
	}
	return nil
}

// Discover lists the instances currently announced under a service.
func (r *EtcdRegistry) Discover(service string) ([]Instance, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to query instances")
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-fetches the full instance list on every change under the service
// prefix: simpler than folding individual watch events, and the lists are
// small.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(service)
			if err != nil {
				r.log.Warn("failed to refresh instances", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
