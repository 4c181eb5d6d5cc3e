package proxy

import (
	"context"
	"runtime"
	"weak"

	"uebridge/handle"
	"uebridge/message"
	"uebridge/rpcerr"
	"uebridge/typedesc"
	"uebridge/value"
)

// Engine-side method names of the container protocol.
const (
	containerGet = "Get"
	containerSet = "Set"
	containerNum = "Num"
)

// Container is the proxy of an engine-side array. It keeps no local copy: every
// element access is a call against the remote container.
type Container struct {
	c     *Client
	local handle.LocalID
	typ   *typedesc.Descriptor
}

var _ Proxy = (*Container)(nil)

func (a *Container) ID() handle.LocalID         { return a.local }
func (a *Container) Type() *typedesc.Descriptor { return a.typ }

// Elem is the element type.
func (a *Container) Elem() *typedesc.Descriptor { return a.typ.Elem() }

// Ref returns a reference to pass the container as an argument.
func (a *Container) Ref() value.ContainerRef {
	return value.ContainerRef{Local: a.local, Type: a.typ, Owner: a}
}

func index(i int) value.Argument {
	return value.Arg("index", typedesc.Int32, value.Int{V: int64(i), Type: typedesc.Int32})
}

// GetElement reads element i. Bounds are checked by the engine.
func (a *Container) GetElement(ctx context.Context, i int) (value.Value, error) {
	out, err := a.c.callMethod(ctx, a.local, a.typ, containerGet, []value.Argument{index(i)})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return value.Void{}, nil
	}
	return retype(out[0], a.Elem())
}

// SetElement writes element i; v must fit the element type.
func (a *Container) SetElement(ctx context.Context, i int, v value.Value) error {
	_, err := a.c.callMethod(ctx, a.local, a.typ, containerSet, []value.Argument{
		index(i),
		value.Arg("value", a.Elem(), v),
	})
	return err
}

// Len asks the engine for the element count.
func (a *Container) Len(ctx context.Context) (int, error) {
	out, err := a.c.callMethod(ctx, a.local, a.typ, containerNum, nil)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, rpcerr.New(rpcerr.Remote, containerNum, "engine returned no length")
	}
	switch n := out[0].(type) {
	case value.Int:
		return int(n.V), nil
	case value.Uint:
		return int(n.V), nil
	}
	return 0, rpcerr.New(rpcerr.TypeMismatch, containerNum, "length is %T", out[0])
}

func (a *Container) GetProperty(ctx context.Context, name string) (value.Value, error) {
	return a.c.getProperty(ctx, a.local, a.typ, name, nil)
}

func (a *Container) SetProperty(ctx context.Context, name string, v value.Value) error {
	return a.c.setProperty(ctx, a.local, a.typ, value.Argument{Name: name, Value: v})
}

func (a *Container) CallMethod(ctx context.Context, name string, args ...value.Argument) ([]value.Value, error) {
	return a.c.callMethod(ctx, a.local, a.typ, name, args)
}

// Destroy releases the remote container. Same guarantees as Object.Destroy.
func (a *Container) Destroy() {
	a.c.release(a.local, a.typ, message.KindDestroyContainer)
}

// retype narrows a tuple element decoded without a type to the element type.
// Numbers come back at their wire width, which already matches the element.
func retype(v value.Value, elem *typedesc.Descriptor) (value.Value, error) {
	if elem == nil {
		return v, nil
	}
	switch x := v.(type) {
	case value.Enum:
		if elem.Kind() == typedesc.Enum && x.Type != elem {
			if !elem.ValidOrdinal(x.Ordinal) {
				return nil, rpcerr.New(rpcerr.UnknownEnumValue, containerGet, "%s has no ordinal %d", elem, x.Ordinal)
			}
			return value.Enum{Type: elem, Ordinal: x.Ordinal}, nil
		}
	case value.Int:
		if elem.Kind() == typedesc.Enum {
			if !elem.ValidOrdinal(x.V) {
				return nil, rpcerr.New(rpcerr.UnknownEnumValue, containerGet, "%s has no ordinal %d", elem, x.V)
			}
			return value.Enum{Type: elem, Ordinal: x.V}, nil
		}
	}
	return v, nil
}

// NewContainer creates a remote container of size elements of typ's element type.
func (c *Client) NewContainer(ctx context.Context, typ *typedesc.Descriptor, size int) (*Container, error) {
	op := "new_container " + typ.Name()
	if typ.Kind() != typedesc.Container || typ.Elem() == nil {
		return nil, rpcerr.New(rpcerr.TypeMismatch, op, "%s is not a typed container", typ)
	}
	if size < 0 {
		return nil, rpcerr.New(rpcerr.TypeMismatch, op, "negative size %d", size)
	}
	local := handle.NewLocalID()
	if err := c.handles.Reserve(local, typ); err != nil {
		return nil, err
	}
	a, err := c.newContainer(local, typ)
	if err != nil {
		c.handles.Release(local)
		return nil, err
	}
	req := &message.Request{Kind: message.KindNewContainer, TypeName: typ.Name(), ElemType: typ.Elem().Name(), Size: uint32(size)}
	if err := c.complete(ctx, local, typ, req, message.KindDestroyContainer); err != nil {
		return nil, err
	}
	return a, nil
}

// newContainer is newObject for containers.
func (c *Client) newContainer(local handle.LocalID, typ *typedesc.Descriptor) (*Container, error) {
	c.mu.Lock()
	if wp, ok := c.containers[local]; ok {
		a := wp.Value()
		c.mu.Unlock()
		if a == nil {
			return nil, rpcerr.New(rpcerr.StaleReference, "bind", "proxy of %s %s was collected", typ, local)
		}
		return a, nil
	}
	a := &Container{c: c, local: local, typ: typ}
	c.containers[local] = weak.Make(a)
	c.mu.Unlock()
	runtime.AddCleanup(a, finalize, cleanup{c: c, local: local, typ: typ, kind: message.KindDestroyContainer})
	return a, nil
}

// BindContainer returns the proxy for a container reference; see Bind.
func (c *Client) BindContainer(ref value.ContainerRef) (*Container, error) {
	if a, ok := ref.Owner.(*Container); ok && a.c == c {
		return a, nil
	}
	h, err := c.handles.Resolve(ref.Local)
	if err != nil {
		return nil, err
	}
	typ := ref.Type
	if typ == nil {
		typ = h.Type
	}
	if typ == nil || typ.Kind() != typedesc.Container {
		return nil, rpcerr.New(rpcerr.TypeMismatch, "bind", "%s is not a container", typ)
	}
	return c.newContainer(ref.Local, typ)
}
