package server_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uebridge/message"
	"uebridge/rpcerr"
	"uebridge/server"
	"uebridge/server/demo"
)

func newModel(t *testing.T) *server.ObjectModel {
	t.Helper()
	m := server.NewObjectModel(nil)
	require.NoError(t, demo.Register(m))
	return m
}

func f64(v float64) message.WireValue {
	return message.WireValue{Tag: message.TagFloat, Type: "float64", Float: v}
}

func i32(v int64) message.WireValue {
	return message.WireValue{Tag: message.TagInt, Type: "int32", Int: v}
}

func ok(t *testing.T, resp *message.Response) []message.WireValue {
	t.Helper()
	require.False(t, resp.Failed(), "%s: %s", resp.ErrorKind, resp.ErrorMessage)
	return resp.Result
}

func create(t *testing.T, m *server.ObjectModel, typ string, args ...message.Arg) uint64 {
	t.Helper()
	out := ok(t, m.Dispatch(context.Background(), &message.Request{Kind: message.KindNew, TypeName: typ, Args: args}))
	require.Len(t, out, 1)
	require.Equal(t, message.TagObject, out[0].Tag)
	return out[0].Handle
}

func TestModelProperties(t *testing.T) {
	m := newModel(t)
	ctx := context.Background()
	id := create(t, m, "Vector2D", message.Arg{Name: "X", Value: f64(1)}, message.Arg{Name: "Y", Value: f64(2)})

	out := ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindGet, TypeName: "Vector2D", Target: &id, Name: "Y"}))
	assert.Equal(t, 2.0, out[0].Float)

	ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindSet, TypeName: "Vector2D", Target: &id, Name: "X", Args: []message.Arg{{Name: "X", Value: f64(6)}}}))
	out = ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindGet, TypeName: "Vector2D", Target: &id, Name: "X"}))
	assert.Equal(t, 6.0, out[0].Float)

	resp := m.Dispatch(ctx, &message.Request{Kind: message.KindGet, TypeName: "Vector2D", Target: &id, Name: "Z"})
	assert.Equal(t, string(rpcerr.NoSuchProperty), resp.ErrorKind)

	// an int fits a float property, a string does not
	ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindSet, TypeName: "Vector2D", Target: &id, Name: "X", Args: []message.Arg{{Value: i32(3)}}}))
	resp = m.Dispatch(ctx, &message.Request{Kind: message.KindSet, TypeName: "Vector2D", Target: &id, Name: "X", Args: []message.Arg{{Value: message.WireValue{Tag: message.TagString, Str: "x"}}}})
	assert.Equal(t, string(rpcerr.TypeMismatch), resp.ErrorKind)
}

func TestModelCalls(t *testing.T) {
	m := newModel(t)
	ctx := context.Background()
	id := create(t, m, "MyObject")
	call := func(name string, args ...message.Arg) *message.Response {
		return m.Dispatch(ctx, &message.Request{Kind: message.KindCall, TypeName: "MyObject", Target: &id, Name: name, Args: args})
	}

	out := ok(t, call("Add2", message.Arg{Name: "a", Value: i32(3)}, message.Arg{Name: "b", Value: i32(4)}))
	require.Len(t, out, 2)
	assert.Equal(t, int64(7), out[0].Int)
	assert.Equal(t, message.TagBool, out[1].Tag)

	out = ok(t, call("Accumulate", message.Arg{Name: "n", Value: i32(5)}))
	assert.Equal(t, []message.WireValue{message.Void}, out)

	out = ok(t, call("TestEnum", message.Arg{Name: "e", Value: message.WireValue{Tag: message.TagEnum, Type: "MyEnum", Int: 2}}))
	assert.Equal(t, message.WireValue{Tag: message.TagEnum, Type: "MyEnum", Int: 0}, out[0])

	resp := call("TestEnum", message.Arg{Value: message.WireValue{Tag: message.TagEnum, Type: "MyEnum", Int: 9}})
	assert.Equal(t, string(rpcerr.UnknownEnumValue), resp.ErrorKind)

	// struct by value, and an object handle where a struct is expected
	vec := message.WireValue{Tag: message.TagStruct, Type: "Vector2D", Fields: []message.WireField{{Name: "X", Value: f64(1)}, {Name: "Y", Value: f64(2)}}}
	out = ok(t, call("TestVector", message.Arg{Value: vec}))
	assert.Equal(t, message.TagStruct, out[0].Tag)
	y, _ := out[0].Field("Y")
	assert.Equal(t, 4.0, y.Float)

	vid := create(t, m, "Vector2D", message.Arg{Name: "X", Value: f64(5)})
	out = ok(t, call("TestVector", message.Arg{Value: message.WireValue{Tag: message.TagObject, Type: "Vector2D", Handle: vid}}))
	x, _ := out[0].Field("X")
	assert.Equal(t, 10.0, x.Float)

	resp = call("Fail", message.Arg{Value: message.WireValue{Tag: message.TagString, Str: "boom"}})
	assert.Equal(t, string(rpcerr.Remote), resp.ErrorKind)
	assert.Contains(t, resp.ErrorMessage, "boom")

	resp = call("Missing")
	assert.Equal(t, string(rpcerr.Remote), resp.ErrorKind)

	resp = call("Add", message.Arg{Value: i32(1)})
	assert.Contains(t, resp.ErrorMessage, "takes 2 arguments")

	resp = call("Add", message.Arg{Value: i32(1 << 40)}, message.Arg{Value: i32(1)})
	assert.Equal(t, string(rpcerr.TypeMismatch), resp.ErrorKind)
}

func TestModelReturnedObjects(t *testing.T) {
	m := newModel(t)
	id := create(t, m, "MyObject")

	out := ok(t, m.Dispatch(context.Background(), &message.Request{Kind: message.KindCall, TypeName: "MyObject", Target: &id, Name: "Spawn",
		Args: []message.Arg{{Value: message.WireValue{Tag: message.TagString, Str: "child"}}}}))
	require.Equal(t, message.TagObject, out[0].Tag)
	child := out[0].Handle
	assert.Greater(t, child, id)
	assert.Equal(t, 2, m.Len())

	out = ok(t, m.Dispatch(context.Background(), &message.Request{Kind: message.KindGet, TypeName: "MyObject", Target: &child, Name: "Label"}))
	assert.Equal(t, "child", out[0].Str)
}

func TestModelContainers(t *testing.T) {
	m := newModel(t)
	ctx := context.Background()
	out := ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindNewContainer, TypeName: "Array", ElemType: "int32", Size: 10}))
	require.Equal(t, message.TagContainer, out[0].Tag)
	arr := out[0].Handle
	call := func(name string, args ...message.WireValue) *message.Response {
		req := &message.Request{Kind: message.KindCall, TypeName: "Array", Target: &arr, Name: name}
		for _, a := range args {
			req.Args = append(req.Args, message.Arg{Value: a})
		}
		return m.Dispatch(ctx, req)
	}

	ok(t, call("Set", i32(0), i32(1)))
	ok(t, call("Set", i32(1), i32(2)))
	assert.Equal(t, int64(2), ok(t, call("Get", i32(1)))[0].Int)
	assert.Equal(t, int64(10), ok(t, call("Num"))[0].Int)
	assert.Contains(t, call("Get", i32(10)).ErrorMessage, "out of range")

	// the container passes by handle to a slice parameter
	id := create(t, m, "MyObject")
	out = ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindCall, TypeName: "MyObject", Target: &id, Name: "Sum",
		Args: []message.Arg{{Value: message.WireValue{Tag: message.TagContainer, Handle: arr}}}}))
	assert.Equal(t, int64(3), out[0].Int)

	resp := m.Dispatch(ctx, &message.Request{Kind: message.KindNewContainer, TypeName: "Array", ElemType: "Nope", Size: 1})
	assert.Equal(t, string(rpcerr.Remote), resp.ErrorKind)
}

func TestModelDestroy(t *testing.T) {
	m := newModel(t)
	ctx := context.Background()
	a := create(t, m, "MyObject")
	ok(t, m.Dispatch(ctx, &message.Request{Kind: message.KindDestroy, Target: &a}))
	assert.Equal(t, 0, m.Len())

	resp := m.Dispatch(ctx, &message.Request{Kind: message.KindDestroy, Target: &a})
	assert.Equal(t, string(rpcerr.InvalidHandle), resp.ErrorKind)
	resp = m.Dispatch(ctx, &message.Request{Kind: message.KindGet, Target: &a, Name: "Value"})
	assert.Equal(t, string(rpcerr.InvalidHandle), resp.ErrorKind)

	// ids are never reused
	b := create(t, m, "MyObject")
	assert.Greater(t, b, a)
}

func TestModelRegister(t *testing.T) {
	m := newModel(t)
	assert.Error(t, m.Register(demo.MyObject{}))
	assert.Error(t, m.Register(42))
	assert.Error(t, m.RegisterEnum("x"))

	resp := m.Dispatch(context.Background(), &message.Request{Kind: message.KindNew, TypeName: "Unknown"})
	assert.Equal(t, string(rpcerr.Remote), resp.ErrorKind)
}

type Crasher struct{}

func (*Crasher) Crash() int32 { panic("crash") }

func (*Crasher) Ping() int32 { return 1 }

func TestModelRecoversPanickingMethod(t *testing.T) {
	m := newModel(t)
	require.NoError(t, m.Register(Crasher{}))
	id := create(t, m, "Crasher")
	call := func(name string) *message.Response {
		return m.Dispatch(context.Background(), &message.Request{Kind: message.KindCall, TypeName: "Crasher", Target: &id, Name: name})
	}

	resp := call("Crash")
	assert.Equal(t, string(rpcerr.Remote), resp.ErrorKind)
	assert.Contains(t, resp.ErrorMessage, "panicked")

	// the instance lock was released and the object still answers
	out := ok(t, call("Ping"))
	assert.Equal(t, int64(1), out[0].Int)
}
