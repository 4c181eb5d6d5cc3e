package proxy_test

import (
	"context"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"uebridge/handle"
	"uebridge/message"
	"uebridge/middleware"
	"uebridge/proxy"
	"uebridge/rpcerr"
	"uebridge/server"
	"uebridge/server/demo"
	"uebridge/session"
	"uebridge/typedesc"
	"uebridge/value"
)

// harness wires a proxy client to an in-process engine host over net.Pipe and
// counts the requests the host serves.
type harness struct {
	model  *server.ObjectModel
	sess   *session.Session
	client *proxy.Client
	host   net.Conn

	mu     sync.Mutex
	served map[message.Kind]int
}

func newHarness(t *testing.T, opts ...proxy.Option) *harness {
	t.Helper()
	h := &harness{model: server.NewObjectModel(zap.NewNop()), served: make(map[message.Kind]int)}
	require.NoError(t, demo.Register(h.model))

	svr := server.NewServer(h.model)
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			h.mu.Lock()
			h.served[req.Kind]++
			h.mu.Unlock()
			return next(ctx, req)
		}
	})

	conn, host := net.Pipe()
	h.host = host
	go svr.ServeConn(host)
	h.sess = session.New(conn, session.WithHeartbeat(0), session.WithLogger(zap.NewNop()))
	h.client = proxy.NewClient(h.sess, append([]proxy.Option{proxy.WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() {
		h.sess.Close()
		host.Close()
	})
	return h
}

func (h *harness) count(kind message.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.served[kind]
}

// gate holds back "new" requests until it is opened.
type gate chan struct{}

func (g gate) middleware(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		if req.Kind == message.KindNew {
			<-g
		}
		return next(ctx, req)
	}
}

func f64(v float64) value.Float { return value.Float{V: v, Type: typedesc.Float64} }
func i32(v int64) value.Int     { return value.Int{V: v, Type: typedesc.Int32} }

func newVector(t *testing.T, h *harness, x, y float64) *proxy.Object {
	t.Helper()
	vec, err := h.client.Construct(context.Background(), demo.Vector2DType,
		value.Arg("X", typedesc.Float64, value.Float{V: x}),
		value.Arg("Y", typedesc.Float64, value.Float{V: y}))
	require.NoError(t, err)
	return vec
}

func TestVectorProperties(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	vec := newVector(t, h, 1, 2)

	x, err := vec.GetProperty(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, f64(1), x)
	y, err := vec.GetProperty(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, f64(2), y)

	require.NoError(t, vec.SetProperty(ctx, "X", value.Float{V: 6}))
	require.NoError(t, vec.SetProperty(ctx, "Y", value.Float{V: 4}))
	x, _ = vec.GetProperty(ctx, "X")
	y, _ = vec.GetProperty(ctx, "Y")
	assert.Equal(t, f64(6), x)
	assert.Equal(t, f64(4), y)

	_, err = vec.GetProperty(ctx, "Z")
	assert.ErrorIs(t, err, rpcerr.ErrNoSuchProperty)
}

func TestMethodCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)
	defer obj.Destroy()

	out, err := obj.CallMethod(ctx, "Add",
		value.Arg("a", typedesc.Int32, value.Int{V: 3}),
		value.Arg("b", typedesc.Int32, value.Int{V: 4}))
	require.NoError(t, err)
	assert.Equal(t, []value.Value{i32(7)}, out)

	// return value first, then the out parameter
	out, err = obj.CallMethod(ctx, "Add2",
		value.Argument{Name: "a", Hint: "int32", Value: value.Int{V: 3}},
		value.Argument{Name: "b", Hint: "int32", Value: value.Int{V: 4}})
	require.NoError(t, err)
	assert.Equal(t, []value.Value{i32(7), value.Bool(false)}, out)

	out, err = obj.CallMethod(ctx, "Accumulate", value.Arg("n", typedesc.Int32, value.Int{V: 1}))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = obj.CallMethod(ctx, "TestEnum", value.Argument{Name: "Enum", Hint: "enum", Value: value.Enum{Type: demo.MyEnumType, Ordinal: 2}})
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.Enum{Type: demo.MyEnumType, Ordinal: 0}}, out)

	vec := newVector(t, h, 1, 2)
	out, err = obj.CallMethod(ctx, "TestVector", value.Argument{Name: "Vector", Value: vec.Ref()})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, value.Struct{Type: demo.Vector2DType, Fields: []value.Field{{Name: "X", Value: f64(2)}, {Name: "Y", Value: f64(4)}}}, out[0])

	_, err = obj.CallMethod(ctx, "Fail", value.Arg("msg", typedesc.String, value.String("engine exception")))
	assert.ErrorIs(t, err, rpcerr.ErrRemote)
	assert.ErrorContains(t, err, "engine exception")
}

func TestLocalErrorsSendNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)

	_, err = obj.CallMethod(ctx, "Add", value.Arg("a", typedesc.Int32, value.Float{V: 1.5}), value.Arg("b", typedesc.Int32, value.Int{V: 1}))
	assert.ErrorIs(t, err, rpcerr.ErrTypeMismatch)
	_, err = obj.CallMethod(ctx, "Add", value.Arg("a", typedesc.Int32, value.Int{V: 1 << 40}), value.Arg("b", typedesc.Int32, value.Int{V: 1}))
	assert.ErrorIs(t, err, rpcerr.ErrTypeMismatch)
	_, err = obj.CallMethod(ctx, "TestEnum", value.Arg("e", demo.MyEnumType, value.Enum{Type: demo.MyEnumType, Ordinal: 7}))
	assert.ErrorIs(t, err, rpcerr.ErrUnknownEnumValue)

	vec := newVector(t, h, 1, 2)
	vec.Destroy()
	_, err = obj.CallMethod(ctx, "TestVector", value.Argument{Name: "Vector", Value: vec.Ref()})
	assert.ErrorIs(t, err, rpcerr.ErrStaleReference)

	assert.Equal(t, 0, h.count(message.KindCall))
}

func TestContainer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	arr, err := h.client.NewContainer(ctx, demo.IntArrayType, 10)
	require.NoError(t, err)

	require.NoError(t, arr.SetElement(ctx, 0, value.Int{V: 1}))
	require.NoError(t, arr.SetElement(ctx, 1, value.Int{V: 2}))
	v, err := arr.GetElement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, i32(2), v)

	n, err := arr.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	assert.ErrorIs(t, arr.SetElement(ctx, 2, value.String("x")), rpcerr.ErrTypeMismatch)
	_, err = arr.GetElement(ctx, 10)
	assert.ErrorIs(t, err, rpcerr.ErrRemote)

	// the container travels by handle
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)
	out, err := obj.CallMethod(ctx, "Sum", value.Argument{Name: "items", Value: arr.Ref()})
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.Int{V: 3, Type: typedesc.Int64}}, out)

	arr.Destroy()
	assert.Equal(t, 1, h.count(message.KindDestroyContainer))
	_, err = arr.GetElement(ctx, 0)
	assert.ErrorIs(t, err, rpcerr.ErrInvalidHandle)

	_, err = h.client.NewContainer(ctx, demo.MyObjectType, 1)
	assert.ErrorIs(t, err, rpcerr.ErrTypeMismatch)
}

func TestCallStatic(t *testing.T) {
	h := newHarness(t)
	out, err := h.client.CallStatic(context.Background(), demo.MyObjectType, "Version")
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.String("5.3")}, out)
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)
	require.Equal(t, 1, h.model.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj.Destroy()
		}()
	}
	wg.Wait()
	obj.Destroy()

	assert.Equal(t, 1, h.count(message.KindDestroy))
	assert.Equal(t, 0, h.model.Len())
	assert.Equal(t, handle.Destroyed, obj.State())

	_, err = obj.CallMethod(ctx, "Add", value.Arg("a", typedesc.Int32, value.Int{V: 1}), value.Arg("b", typedesc.Int32, value.Int{V: 1}))
	assert.ErrorIs(t, err, rpcerr.ErrInvalidHandle)
}

func TestDestroyDuringConstruction(t *testing.T) {
	g := make(gate)
	h := newHarness(t, proxy.WithMiddleware(g.middleware))

	obj, err := h.client.ConstructAsync(context.Background(), demo.MyObjectType)
	require.NoError(t, err)
	assert.Equal(t, handle.Pending, obj.State())

	obj.Destroy()
	assert.Equal(t, 0, h.count(message.KindDestroy), "nothing to destroy yet")
	close(g)

	// the object created meanwhile is an orphan and gets destroyed
	assert.Eventually(t, func() bool {
		return h.count(message.KindNew) == 1 && h.count(message.KindDestroy) == 1 && h.model.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, handle.Destroyed, obj.State())
}

func TestNonBlockingPendingCall(t *testing.T) {
	g := make(gate)
	h := newHarness(t, proxy.WithMiddleware(g.middleware), proxy.WithNonBlocking())
	ctx := context.Background()

	obj, err := h.client.ConstructAsync(ctx, demo.MyObjectType)
	require.NoError(t, err)
	_, err = obj.CallMethod(ctx, "Accumulate", value.Arg("n", typedesc.Int32, value.Int{V: 1}))
	assert.ErrorIs(t, err, rpcerr.ErrNotReady)

	close(g)
	require.NoError(t, obj.Wait(ctx))
	_, err = obj.CallMethod(ctx, "Accumulate", value.Arg("n", typedesc.Int32, value.Int{V: 1}))
	assert.NoError(t, err)
	obj.Destroy()
}

func TestBlockingPendingCall(t *testing.T) {
	g := make(gate)
	h := newHarness(t, proxy.WithMiddleware(g.middleware))
	ctx := context.Background()

	obj, err := h.client.ConstructAsync(ctx, demo.MyObjectType)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(g)
	}()
	out, err := obj.CallMethod(ctx, "Add", value.Arg("a", typedesc.Int32, value.Int{V: 1}), value.Arg("b", typedesc.Int32, value.Int{V: 1}))
	require.NoError(t, err)
	assert.Equal(t, []value.Value{i32(2)}, out)
}

func TestFailedConstruction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ghost := typedesc.MustIntern("ProxyTestGhost", typedesc.Object)

	_, err := h.client.Construct(ctx, ghost)
	assert.ErrorIs(t, err, rpcerr.ErrRemote)

	obj, err := h.client.ConstructAsync(ctx, ghost)
	require.NoError(t, err)
	_, err = obj.GetProperty(ctx, "Value")
	assert.ErrorIs(t, err, rpcerr.ErrConstructionFailed)
	assert.Equal(t, handle.Failed, obj.State())
	obj.Destroy()

	_, err = h.client.Construct(ctx, demo.MyEnumType)
	assert.ErrorIs(t, err, rpcerr.ErrTypeMismatch)
}

func TestReturnedObjectIsAdopted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)

	out, err := obj.CallMethod(ctx, "Spawn", value.Arg("label", typedesc.String, value.String("child")))
	require.NoError(t, err)
	require.Len(t, out, 1)
	ref, ok := out[0].(value.ObjectRef)
	require.True(t, ok, "got %T", out[0])

	child, err := h.client.Bind(ref)
	require.NoError(t, err)
	again, err := h.client.Bind(ref)
	require.NoError(t, err)
	assert.Same(t, child, again)

	label, err := child.GetProperty(ctx, "Label")
	require.NoError(t, err)
	assert.Equal(t, value.String("child"), label)

	require.Equal(t, 2, h.model.Len())
	child.Destroy()
	assert.Equal(t, 1, h.model.Len())
}

func TestDroppedResultIsDestroyed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)

	func() {
		out, err := obj.CallMethod(ctx, "Spawn", value.Arg("label", typedesc.String, value.String("orphan")))
		require.NoError(t, err)
		require.Len(t, out, 1)
	}()
	require.Equal(t, 2, h.model.Len())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return h.model.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.client.Handles().Len())
	runtime.KeepAlive(obj)
}

func TestResultRefKeepsObjectAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)

	out, err := obj.CallMethod(ctx, "Spawn", value.Arg("label", typedesc.String, value.String("kept")))
	require.NoError(t, err)
	ref := out[0].(value.ObjectRef)
	for range 5 {
		runtime.GC()
	}

	child, err := h.client.Bind(ref)
	require.NoError(t, err)
	label, err := child.GetProperty(ctx, "Label")
	require.NoError(t, err)
	assert.Equal(t, value.String("kept"), label)
	runtime.KeepAlive(obj)
}

func TestConcurrentBindSharesOneProxy(t *testing.T) {
	h := newHarness(t)
	resp := h.model.Dispatch(context.Background(), &message.Request{Kind: message.KindNew, TypeName: "MyObject"})
	require.False(t, resp.Failed())
	adopted, err := h.client.Handles().Adopt(resp.Result[0].Handle, demo.MyObjectType)
	require.NoError(t, err)
	ref := value.ObjectRef{Local: adopted.Local}

	const n = 32
	got := make([]*proxy.Object, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			o, err := h.client.Bind(ref)
			assert.NoError(t, err)
			got[i] = o
		}()
	}
	close(start)
	wg.Wait()
	for _, o := range got {
		assert.Same(t, got[0], o)
	}
	assert.Equal(t, demo.MyObjectType, got[0].Type())
}

func TestCallTimeout(t *testing.T) {
	h := newHarness(t, proxy.WithCallTimeout(20*time.Millisecond))
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)

	_, err = obj.CallMethod(ctx, "Sleep", value.Arg("ms", typedesc.Int32, value.Int{V: 200}))
	assert.ErrorIs(t, err, rpcerr.ErrTimedOut)
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	obj, err := h.client.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)

	h.host.Close()
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not notice the lost connection")
	}

	_, err = obj.CallMethod(ctx, "Add", value.Arg("a", typedesc.Int32, value.Int{V: 1}), value.Arg("b", typedesc.Int32, value.Int{V: 1}))
	assert.ErrorIs(t, err, rpcerr.ErrSessionClosed)

	// teardown after the session is gone never fails
	obj.Destroy()
	assert.Equal(t, handle.Destroyed, obj.State())
}

func TestUnreachableProxyIsDestroyed(t *testing.T) {
	h := newHarness(t)
	func() {
		_, err := h.client.Construct(context.Background(), demo.MyObjectType)
		require.NoError(t, err)
	}()
	require.Equal(t, 1, h.model.Len())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return h.model.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.count(message.KindDestroy))
	assert.Equal(t, 0, h.client.Handles().Len())
}
