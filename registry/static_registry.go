package registry

import (
	"context"
	"slices"
	"sync"
)

// StaticRegistry is an in-process Registry, typically filled from configuration.
// TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]EngineInstance
	watchers map[string][]chan []EngineInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string][]EngineInstance),
		watchers: make(map[string][]chan []EngineInstance),
	}
}

// Register adds or replaces the instance with the same address.
func (r *StaticRegistry) Register(_ context.Context, service string, instance EngineInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(r.services[service], func(i EngineInstance) bool { return i.Addr == instance.Addr })
	r.services[service] = append(list, instance)
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[service] = slices.DeleteFunc(r.services[service], func(i EngineInstance) bool { return i.Addr == addr })
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, service string) ([]EngineInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.services[service]), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []EngineInstance {
	ch := make(chan []EngineInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[service] = slices.DeleteFunc(r.watchers[service], func(c chan []EngineInstance) bool { return c == ch })
		close(ch)
	}()
	return ch
}

// notify replaces any unread update with the latest list. Caller holds mu.
func (r *StaticRegistry) notify(service string) {
	list := slices.Clone(r.services[service])
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
