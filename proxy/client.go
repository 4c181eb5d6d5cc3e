// Package proxy implements the proxy object protocol: local values whose behaviour
// is delegated to engine-side objects over an RPC session.
//
// A Client owns one handle table and talks through one session. Every proxy it
// hands out (Object, Container) is bound 1:1 to a handle; destroying the proxy,
// explicitly or by garbage collection, releases the handle and sends exactly one
// destroy request.
//
//	c := proxy.NewClient(sess)
//	obj, err := c.Construct(ctx, myObject)
//	out, err := obj.CallMethod(ctx, "Add",
//		value.Arg("a", typedesc.Int32, value.Int{V: 3}),
//		value.Arg("b", typedesc.Int32, value.Int{V: 4}))
//	defer obj.Destroy()
//
// Method and property names are passed through untouched; the engine resolves them.
package proxy

import (
	"context"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"

	"uebridge/handle"
	"uebridge/message"
	"uebridge/metrics"
	"uebridge/middleware"
	"uebridge/rpcerr"
	"uebridge/typedesc"
	"uebridge/value"
)

const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultDestroyTimeout = 5 * time.Second
)

// Proxy is the uniform shape of every remote-backed local value.
type Proxy interface {
	ID() handle.LocalID
	Type() *typedesc.Descriptor
	GetProperty(ctx context.Context, name string) (value.Value, error)
	SetProperty(ctx context.Context, name string, v value.Value) error
	CallMethod(ctx context.Context, name string, args ...value.Argument) ([]value.Value, error)
	Destroy()
}

// Caller sends one request and waits for its response. *session.Session satisfies it.
type Caller interface {
	Call(ctx context.Context, kind message.Kind, req *message.Request, timeout time.Duration) (*message.Response, error)
}

// Client creates and drives proxies over one Caller.
type Client struct {
	caller         Caller
	handles        *handle.Table
	codec          *value.Codec
	logger         *zap.Logger
	callTimeout    time.Duration
	destroyTimeout time.Duration
	blocking       bool
	middlewares    []middleware.Middleware
	handler        middleware.HandlerFunc

	mu         sync.Mutex
	objects    map[handle.LocalID]weak.Pointer[Object]
	containers map[handle.LocalID]weak.Pointer[Container]
}

type Option func(*Client)

// WithCallTimeout bounds every call; zero waits indefinitely.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithDestroyTimeout bounds destroy requests, including those sent for finalized proxies.
func WithDestroyTimeout(d time.Duration) Option {
	return func(c *Client) { c.destroyTimeout = d }
}

// WithNonBlocking makes calls against a proxy still under construction fail with
// NotReady instead of waiting.
func WithNonBlocking() Option {
	return func(c *Client) { c.blocking = false }
}

// WithMiddleware wraps the session round trip; the first middleware is outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHandles shares a handle table between clients. By default each client has its own.
func WithHandles(t *handle.Table) Option {
	return func(c *Client) { c.handles = t }
}

func NewClient(caller Caller, opts ...Option) *Client {
	c := &Client{
		caller:         caller,
		logger:         zap.NewNop(),
		callTimeout:    DefaultCallTimeout,
		destroyTimeout: DefaultDestroyTimeout,
		blocking:       true,
		objects:        make(map[handle.LocalID]weak.Pointer[Object]),
		containers:     make(map[handle.LocalID]weak.Pointer[Container]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handles == nil {
		c.handles = handle.NewTable()
	}
	c.codec = value.NewCodec(c.handles)
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
	return c
}

// Handles exposes the client's handle table.
func (c *Client) Handles() *handle.Table { return c.handles }

// Codec exposes the value codec bound to the client's handle table.
func (c *Client) Codec() *value.Codec { return c.codec }

type transportErrKey struct{}

// transportErr carries the session error out of the middleware chain so callers
// can still match its cause (context.Canceled, io.EOF, ...).
type transportErr struct {
	err error
}

// roundTrip is the innermost handler. Session failures become Error responses so
// middlewares see one shape.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) *message.Response {
	resp, err := c.caller.Call(ctx, req.Kind, req, c.callTimeout)
	if err != nil {
		if te, ok := ctx.Value(transportErrKey{}).(*transportErr); ok {
			te.err = err
		}
		return message.Fail(req.CallID, string(rpcerr.KindOf(err)), err.Error())
	}
	return resp
}

// do runs req through the middleware chain and turns an Error response into an error.
func (c *Client) do(ctx context.Context, req *message.Request) (*message.Response, error) {
	te := &transportErr{}
	resp := c.handler(context.WithValue(ctx, transportErrKey{}, te), req)
	if !resp.Failed() {
		return resp, nil
	}
	if te.err != nil && string(rpcerr.KindOf(te.err)) == resp.ErrorKind {
		return nil, te.err
	}
	return nil, rpcerr.FromResponse(req.Op(), resp.ErrorKind, resp.ErrorMessage)
}

// tuple decodes a result sequence. A lone void result is the empty tuple.
func (c *Client) tuple(result []message.WireValue) ([]value.Value, error) {
	if len(result) == 1 && result[0].Tag == message.TagVoid {
		return []value.Value{}, nil
	}
	out := make([]value.Value, 0, len(result))
	for _, w := range result {
		v, err := c.codec.Decode(w, nil)
		if err != nil {
			return nil, err
		}
		if v, err = c.own(v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// first decodes the first result, or Void when there is none.
func (c *Client) first(result []message.WireValue, expected *typedesc.Descriptor) (value.Value, error) {
	if len(result) == 0 {
		return value.Void{}, nil
	}
	v, err := c.codec.Decode(result[0], expected)
	if err != nil {
		return nil, err
	}
	return c.own(v)
}

// own gives every reference inside a decoded result its owning proxy. A result
// the caller drops is then collected and its remote object destroyed.
func (c *Client) own(v value.Value) (value.Value, error) {
	switch x := v.(type) {
	case value.ObjectRef:
		o, err := c.Bind(x)
		if err != nil {
			return nil, err
		}
		return o.Ref(), nil
	case value.ContainerRef:
		a, err := c.BindContainer(x)
		if err != nil {
			return nil, err
		}
		return a.Ref(), nil
	case value.Struct:
		fields := make([]value.Field, len(x.Fields))
		for i, f := range x.Fields {
			fv, err := c.own(f.Value)
			if err != nil {
				return nil, err
			}
			fields[i] = value.Field{Name: f.Name, Value: fv}
		}
		x.Fields = fields
		return x, nil
	case value.List:
		items, err := c.ownAll(x.Items)
		if err != nil {
			return nil, err
		}
		x.Items = items
		return x, nil
	case value.Map:
		values, err := c.ownAll(x.Values)
		if err != nil {
			return nil, err
		}
		x.Values = values
		return x, nil
	}
	return v, nil
}

func (c *Client) ownAll(vs []value.Value) ([]value.Value, error) {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		ov, err := c.own(v)
		if err != nil {
			return nil, err
		}
		out[i] = ov
	}
	return out, nil
}

// CallStatic calls a static (class-level) function; there is no target object.
func (c *Client) CallStatic(ctx context.Context, typ *typedesc.Descriptor, name string, args ...value.Argument) ([]value.Value, error) {
	wargs, err := c.codec.EncodeArguments(args)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, &message.Request{Kind: message.KindCallStatic, TypeName: typ.Name(), Name: name, Args: wargs})
	if err != nil {
		return nil, err
	}
	return c.tuple(resp.Result)
}

// target resolves the remote id of a proxy, waiting out a pending construction
// unless the client is non-blocking.
func (c *Client) target(ctx context.Context, local handle.LocalID) (*uint64, error) {
	h, err := c.handles.Wait(ctx, local, c.blocking)
	if err != nil {
		return nil, err
	}
	remote := h.Remote
	return &remote, nil
}

func (c *Client) getProperty(ctx context.Context, local handle.LocalID, typ *typedesc.Descriptor, name string, expected *typedesc.Descriptor) (value.Value, error) {
	target, err := c.target(ctx, local)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, &message.Request{Kind: message.KindGet, TypeName: typ.Name(), Target: target, Name: name})
	if err != nil {
		return nil, err
	}
	return c.first(resp.Result, expected)
}

func (c *Client) setProperty(ctx context.Context, local handle.LocalID, typ *typedesc.Descriptor, arg value.Argument) error {
	warg, err := c.codec.EncodeArgument(arg)
	if err != nil {
		return err
	}
	target, err := c.target(ctx, local)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, &message.Request{Kind: message.KindSet, TypeName: typ.Name(), Target: target, Name: arg.Name, Args: []message.Arg{warg}})
	return err
}

// callMethod encodes every argument before the target is resolved, so a bad
// argument never waits on a pending construction.
func (c *Client) callMethod(ctx context.Context, local handle.LocalID, typ *typedesc.Descriptor, name string, args []value.Argument) ([]value.Value, error) {
	wargs, err := c.codec.EncodeArguments(args)
	if err != nil {
		return nil, err
	}
	target, err := c.target(ctx, local)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, &message.Request{Kind: message.KindCall, TypeName: typ.Name(), Target: target, Name: name, Args: wargs})
	if err != nil {
		return nil, err
	}
	return c.tuple(resp.Result)
}

// release marks the handle Destroyed and sends the one destroy request for it.
// It never fails: teardown errors are logged and counted as leaks.
func (c *Client) release(local handle.LocalID, typ *typedesc.Descriptor, kind message.Kind) {
	remote, wasLive := c.handles.Release(local)
	if !wasLive {
		return
	}
	c.destroyRemote(remote, typ, kind)
}

func (c *Client) destroyRemote(remote uint64, typ *typedesc.Descriptor, kind message.Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), c.destroyTimeout)
	defer cancel()

	target := remote
	req := &message.Request{Kind: kind, TypeName: typ.Name(), Target: &target}
	if _, err := c.do(ctx, req); err != nil {
		metrics.LeakedObjects.Inc()
		c.logger.Warn("destroy failed, remote object leaked",
			zap.Stringer("type", typ),
			zap.Uint64("remote_id", remote),
			zap.Error(err))
	}
}

// cleanup is the finalization record of one proxy. It must not point back at
// the proxy, or the proxy would never become unreachable.
type cleanup struct {
	c     *Client
	local handle.LocalID
	typ   *typedesc.Descriptor
	kind  message.Kind
}

// finalize runs on the runtime's cleanup goroutine, which must not block: the
// handle is released here and the destroy request goes out on its own goroutine.
func finalize(f cleanup) {
	f.c.forget(f.local)
	remote, wasLive := f.c.handles.Release(f.local)
	if !wasLive {
		return
	}
	metrics.FinalizedProxies.Inc()
	f.c.logger.Debug("proxy finalized", zap.Stringer("type", f.typ), zap.Uint64("remote_id", remote))
	go f.c.destroyRemote(remote, f.typ, f.kind)
}

func (c *Client) forget(local handle.LocalID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wp, ok := c.objects[local]; ok && wp.Value() == nil {
		delete(c.objects, local)
	}
	if wp, ok := c.containers[local]; ok && wp.Value() == nil {
		delete(c.containers, local)
	}
}
