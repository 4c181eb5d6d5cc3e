// Package client connects to an engine and hands out a proxy.Client bound to it.
//
// The engine is located in this order: the configured endpoint, discovery through
// the registry and a balancer, then a scan of the local port range.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"uebridge/config"
	"uebridge/loadbalance"
	"uebridge/middleware"
	"uebridge/proxy"
	"uebridge/registry"
	"uebridge/session"
	"uebridge/transport"
)

const (
	readRetries   = 2
	readRetryBase = 50 * time.Millisecond
)

// Client is one session to one engine.
type Client struct {
	*proxy.Client
	session  *session.Session
	registry registry.Registry // find engine instances; nil when an endpoint is configured
	balancer loadbalance.Balancer
	addr     string
	logger   *zap.Logger
}

// Connect locates an engine per cfg and opens a session to it. The context bounds
// discovery and dialing only.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codecType, _ := cfg.CodecType()

	c := &Client{logger: logger}
	if cfg.Endpoint == "" && cfg.Registry.Enabled() {
		reg, err := NewRegistry(ctx, cfg.Registry, logger)
		if err != nil {
			return nil, err
		}
		key := cfg.Registry.HashKey
		if key == "" {
			key, _ = os.Hostname()
		}
		bal, err := loadbalance.New(cfg.Registry.Balancer, key)
		if err != nil {
			closeRegistry(reg)
			return nil, err
		}
		c.registry, c.balancer = reg, bal
	}

	dialCtx := ctx
	if cfg.Timeouts.Dial > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Dial)
		defer cancel()
	}
	conn, err := c.dial(dialCtx, cfg)
	if err != nil {
		closeRegistry(c.registry)
		return nil, err
	}

	heartbeat := cfg.Timeouts.Heartbeat
	if heartbeat < 0 {
		heartbeat = 0
	}
	c.session = session.New(conn,
		session.WithCodec(codecType),
		session.WithHeartbeat(heartbeat),
		session.WithLogger(logger.With(zap.String("engine", c.addr))),
	)

	opts := []proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithCallTimeout(cfg.Timeouts.Call),
		proxy.WithDestroyTimeout(cfg.Timeouts.Destroy),
		proxy.WithMiddleware(
			middleware.LoggingMiddleware(logger),
			middleware.RetryMiddleware(readRetries, readRetryBase, logger),
		),
	}
	if cfg.NonBlocking {
		opts = append(opts, proxy.WithNonBlocking())
	}
	c.Client = proxy.NewClient(c.session, opts...)
	logger.Info("connected to engine", zap.String("addr", c.addr), zap.Stringer("codec", codecType))
	return c, nil
}

func (c *Client) dial(ctx context.Context, cfg *config.Config) (net.Conn, error) {
	if cfg.Endpoint != "" {
		conn, err := transport.Dial(ctx, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		c.addr = cfg.Endpoint
		return conn, nil
	}

	if c.registry != nil {
		instances, err := c.registry.Discover(ctx, cfg.Registry.Service)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", cfg.Registry.Service, err)
		}
		instance, err := c.balancer.Pick(instances)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", cfg.Registry.Service, err)
		}
		c.logger.Debug("picked engine", zap.String("addr", instance.Addr), zap.String("balancer", c.balancer.Name()))
		conn, err := transport.Dial(ctx, instance.Addr)
		if err != nil {
			return nil, err
		}
		c.addr = instance.Addr
		return conn, nil
	}

	conn, addr, err := transport.ScanDial(ctx, cfg.Scan.Host, cfg.Scan.PortFrom, cfg.Scan.PortTo, c.logger)
	if err != nil {
		return nil, err
	}
	c.addr = addr
	return conn, nil
}

// NewRegistry opens the registry cfg selects: etcd when endpoints are given, then
// Redis, otherwise a StaticRegistry holding cfg.Static.
func NewRegistry(ctx context.Context, cfg config.RegistryConfig, logger *zap.Logger) (registry.Registry, error) {
	if len(cfg.Etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}
	if cfg.Redis != "" {
		reg, err := registry.NewRedisRegistry(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}
	reg := registry.NewStaticRegistry()
	for _, inst := range cfg.Static {
		if err := reg.Register(ctx, cfg.Service, inst, 0); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func closeRegistry(reg registry.Registry) error {
	if cl, ok := reg.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

// Addr is the endpoint the session was opened to.
func (c *Client) Addr() string { return c.addr }

// Session exposes the underlying session, mostly for its state.
func (c *Client) Session() *session.Session { return c.session }

// Close ends the session. Calls still pending fail with SessionClosed.
func (c *Client) Close() error {
	return errors.Join(c.session.Close(), closeRegistry(c.registry))
}
