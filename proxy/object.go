package proxy

import (
	"context"
	"runtime"
	"weak"

	"go.uber.org/zap"

	"uebridge/handle"
	"uebridge/message"
	"uebridge/rpcerr"
	"uebridge/typedesc"
	"uebridge/value"
)

// Object is the proxy of an engine object or struct-like value.
type Object struct {
	c     *Client
	local handle.LocalID
	typ   *typedesc.Descriptor
}

var _ Proxy = (*Object)(nil)

func (o *Object) ID() handle.LocalID         { return o.local }
func (o *Object) Type() *typedesc.Descriptor { return o.typ }

// Ref returns a reference to pass the object as an argument.
func (o *Object) Ref() value.ObjectRef {
	return value.ObjectRef{Local: o.local, Type: o.typ, Owner: o}
}

// State reports the handle state without waiting.
func (o *Object) State() handle.State {
	h, err := o.c.handles.Resolve(o.local)
	if err != nil && h.State == handle.Pending {
		return handle.Failed
	}
	return h.State
}

// Wait blocks until a pending construction resolves.
func (o *Object) Wait(ctx context.Context) error {
	_, err := o.c.handles.Wait(ctx, o.local, true)
	return err
}

// GetProperty reads a property. Whether the property exists is up to the engine;
// a missing one fails with NoSuchProperty.
func (o *Object) GetProperty(ctx context.Context, name string) (value.Value, error) {
	return o.c.getProperty(ctx, o.local, o.typ, name, nil)
}

// SetProperty writes a property.
func (o *Object) SetProperty(ctx context.Context, name string, v value.Value) error {
	return o.c.setProperty(ctx, o.local, o.typ, value.Argument{Name: name, Value: v})
}

// CallMethod invokes a method with positional typed arguments. The result is the
// engine's tuple: the return value first (if not void), then any out parameters.
func (o *Object) CallMethod(ctx context.Context, name string, args ...value.Argument) ([]value.Value, error) {
	return o.c.callMethod(ctx, o.local, o.typ, name, args)
}

// Destroy releases the remote object. It is idempotent, safe from any goroutine,
// and never fails; a failed teardown is logged and counted as a leak.
func (o *Object) Destroy() {
	o.c.release(o.local, o.typ, message.KindDestroy)
}

// Construct creates a remote object (or struct-like value) and returns its proxy.
func (c *Client) Construct(ctx context.Context, typ *typedesc.Descriptor, args ...value.Argument) (*Object, error) {
	return c.ConstructNamed(ctx, typ, "", 0, args...)
}

// ConstructNamed is Construct with an engine object name and creation flags.
func (c *Client) ConstructNamed(ctx context.Context, typ *typedesc.Descriptor, objectName string, flags uint32, args ...value.Argument) (*Object, error) {
	o, req, err := c.startObject(typ, objectName, flags, args)
	if err != nil {
		return nil, err
	}
	if err := c.complete(ctx, o.local, typ, req, message.KindDestroy); err != nil {
		return nil, err
	}
	return o, nil
}

// ConstructAsync sends the "new" request and returns at once with a Pending proxy.
// Calls on it wait for the construction (or fail with NotReady in non-blocking mode);
// a failed construction makes them fail with ConstructionFailed.
func (c *Client) ConstructAsync(ctx context.Context, typ *typedesc.Descriptor, args ...value.Argument) (*Object, error) {
	o, req, err := c.startObject(typ, "", 0, args)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.complete(ctx, o.local, typ, req, message.KindDestroy); err != nil {
			c.logger.Warn("async construction failed", zap.Stringer("type", typ), zap.Error(err))
		}
	}()
	return o, nil
}

func (c *Client) startObject(typ *typedesc.Descriptor, objectName string, flags uint32, args []value.Argument) (*Object, *message.Request, error) {
	op := "new " + typ.Name()
	if k := typ.Kind(); k != typedesc.Object && k != typedesc.Struct {
		return nil, nil, rpcerr.New(rpcerr.TypeMismatch, op, "cannot construct a %s type", k)
	}
	wargs, err := c.codec.EncodeArguments(args)
	if err != nil {
		return nil, nil, err
	}
	local := handle.NewLocalID()
	if err := c.handles.Reserve(local, typ); err != nil {
		return nil, nil, err
	}
	o, err := c.newObject(local, typ)
	if err != nil {
		c.handles.Release(local)
		return nil, nil, err
	}
	req := &message.Request{Kind: message.KindNew, TypeName: typ.Name(), Args: wargs, ObjectName: objectName, Flags: flags}
	return o, req, nil
}

// complete sends a construction request for a reserved handle and settles it.
// If the proxy was destroyed while the request was in flight, the freshly created
// remote object is destroyed here.
func (c *Client) complete(ctx context.Context, local handle.LocalID, typ *typedesc.Descriptor, req *message.Request, destroyKind message.Kind) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		c.handles.Fail(local, err)
		return err
	}
	if len(resp.Result) == 0 || (resp.Result[0].Tag != message.TagObject && resp.Result[0].Tag != message.TagContainer) {
		err := rpcerr.New(rpcerr.Remote, req.Op(), "engine returned no handle")
		c.handles.Fail(local, err)
		return err
	}
	remote := resp.Result[0].Handle
	if _, err := c.handles.Complete(local, remote); err != nil {
		if rpcerr.KindOf(err) == rpcerr.InvalidHandle {
			c.logger.Debug("proxy destroyed during construction, destroying orphan",
				zap.Stringer("type", typ), zap.Uint64("remote_id", remote))
			c.destroyRemote(remote, typ, destroyKind)
		}
		return err
	}
	return nil
}

// newObject returns the proxy owning local, creating it when there is none. The
// lookup and the insert share one critical section so a handle never gets two
// owners. A proxy that was collected but not yet finalized is about to release
// its handle, so local cannot be bound again.
func (c *Client) newObject(local handle.LocalID, typ *typedesc.Descriptor) (*Object, error) {
	c.mu.Lock()
	if wp, ok := c.objects[local]; ok {
		o := wp.Value()
		c.mu.Unlock()
		if o == nil {
			return nil, rpcerr.New(rpcerr.StaleReference, "bind", "proxy of %s %s was collected", typ, local)
		}
		return o, nil
	}
	o := &Object{c: c, local: local, typ: typ}
	c.objects[local] = weak.Make(o)
	c.mu.Unlock()
	runtime.AddCleanup(o, finalize, cleanup{c: c, local: local, typ: typ, kind: message.KindDestroy})
	return o, nil
}

// Bind returns the proxy for an object reference. References decoded from
// results already carry their owner; binding one returns that proxy, and
// destroying it destroys the remote object.
func (c *Client) Bind(ref value.ObjectRef) (*Object, error) {
	if o, ok := ref.Owner.(*Object); ok && o.c == c {
		return o, nil
	}
	h, err := c.handles.Resolve(ref.Local)
	if err != nil {
		return nil, err
	}
	typ := ref.Type
	if typ == nil {
		typ = h.Type
	}
	return c.newObject(ref.Local, typ)
}
