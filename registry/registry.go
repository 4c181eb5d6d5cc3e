// Package registry advertises and discovers engine hosts.
//
// An engine host registers the address its object model listens on under a
// service name ("engine" by default); clients discover the instances and pick one
// through a loadbalance.Balancer.
package registry

import "context"

// EngineInstance is one reachable engine host.
type EngineInstance struct {
	Addr    string `json:"addr" yaml:"addr"` // endpoint accepted by transport.Dial
	Weight  int    `json:"weight" yaml:"weight"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance EngineInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]EngineInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []EngineInstance
}
