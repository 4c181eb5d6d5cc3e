package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPrefix of every key written by RedisRegistry:
//
//	uebridge:{service}:{addr} → JSON EngineInstance, expiring after the TTL
//
// A background refresher extends the expiry until the instance is deregistered.
const RedisPrefix = "uebridge:"

// RedisRegistry implements Registry on a plain Redis server. Watch polls.
type RedisRegistry struct {
	client       *redis.Client
	logger       *zap.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	refresh  map[string]context.CancelFunc // by key
	shutdown bool
}

// NewRedisRegistry connects to the Redis server at addr and pings it.
func NewRedisRegistry(ctx context.Context, addr string, logger *zap.Logger) (*RedisRegistry, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &RedisRegistry{
		client:       client,
		logger:       logger,
		pollInterval: 2 * time.Second,
		refresh:      make(map[string]context.CancelFunc),
	}, nil
}

func redisKey(service, addr string) string {
	return RedisPrefix + service + ":" + addr
}

// Register stores the instance with a ttl in seconds and refreshes it every ttl/3.
func (r *RedisRegistry) Register(ctx context.Context, service string, instance EngineInstance, ttl int64) error {
	if ttl <= 0 {
		ttl = 10
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	k := redisKey(service, instance.Addr)
	expiry := time.Duration(ttl) * time.Second
	if err := r.client.Set(ctx, k, val, expiry).Err(); err != nil {
		return fmt.Errorf("set %s: %w", instance.Addr, err)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("redis registry closed")
	}
	if prev, ok := r.refresh[k]; ok {
		prev()
	}
	r.refresh[k] = cancel
	r.mu.Unlock()

	go r.keepAlive(rctx, k, val, expiry)
	return nil
}

func (r *RedisRegistry) keepAlive(ctx context.Context, k string, val []byte, expiry time.Duration) {
	ticker := time.NewTicker(expiry / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Set rather than Expire so a key lost to eviction comes back
			if err := r.client.Set(ctx, k, val, expiry).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("refresh registry entry", zap.String("key", k), zap.Error(err))
			}
		}
	}
}

func (r *RedisRegistry) Deregister(ctx context.Context, service string, addr string) error {
	k := redisKey(service, addr)
	r.mu.Lock()
	if cancel, ok := r.refresh[k]; ok {
		cancel()
		delete(r.refresh, k)
	}
	r.mu.Unlock()
	return r.client.Del(ctx, k).Err()
}

// Discover scans the service's keys and decodes every entry still alive.
func (r *RedisRegistry) Discover(ctx context.Context, service string) ([]EngineInstance, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, RedisPrefix+service+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	if len(keys) == 0 {
		return []EngineInstance{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	instances := make([]EngineInstance, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var instance EngineInstance
		if err := json.Unmarshal([]byte(s), &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	slices.SortFunc(instances, func(a, b EngineInstance) int { return cmp.Compare(a.Addr, b.Addr) })
	return instances, nil
}

// Watch polls Discover and emits the list whenever it differs from the last one.
func (r *RedisRegistry) Watch(ctx context.Context, service string) <-chan []EngineInstance {
	ch := make(chan []EngineInstance, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		var last []EngineInstance
		first := true
		for {
			instances, err := r.Discover(ctx, service)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					r.logger.Warn("poll registry", zap.String("service", service), zap.Error(err))
				}
			case first || !slices.Equal(instances, last):
				first = false
				last = instances
				select {
				case ch <- instances:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// Close stops every refresher and the client. Entries expire on their own.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	r.shutdown = true
	for k, cancel := range r.refresh {
		cancel()
		delete(r.refresh, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}
