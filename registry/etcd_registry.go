package registry

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Prefix of every key written by EtcdRegistry:
//
//	/uebridge/{service}/{addr} → JSON EngineInstance
//
// Entries are attached to a TTL lease, so a crashed host disappears on its own.
const Prefix = "/uebridge/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func key(service, addr string) string {
	return Prefix + service + "/" + addr
}

// Register puts the instance under a lease of ttl seconds and keeps the lease
// alive in the background until ctx is done.
//
// The lease id stays local: one EtcdRegistry may be shared by several hosts.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance EngineInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key(service, instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", instance.Addr, err)
	}
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	// drain, or the keepalive channel fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("service", service), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes an instance. Hosts call it before closing their listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	_, err := r.client.Delete(ctx, key(service, addr))
	return err
}

// Watch re-reads the full list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []EngineInstance {
	ch := make(chan []EngineInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, Prefix+service+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("rediscover after watch event", zap.String("service", service), zap.Error(err))
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

// Discover lists the instances currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]EngineInstance, error) {
	resp, err := r.client.Get(ctx, Prefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	instances := make([]EngineInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance EngineInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
