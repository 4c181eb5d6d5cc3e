package client_test

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"uebridge/client"
	"uebridge/config"
	"uebridge/registry"
	"uebridge/rpcerr"
	"uebridge/server"
	"uebridge/server/demo"
	"uebridge/session"
	"uebridge/transport"
	"uebridge/typedesc"
	"uebridge/value"
)

func startHost(t *testing.T) *server.Server {
	t.Helper()
	model := server.NewObjectModel(zap.NewNop())
	require.NoError(t, demo.Register(model))
	svr := server.NewServer(model)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func i32(n int64) value.Value { return value.Int{V: n, Type: typedesc.Int32} }

// add constructs a MyObject and checks Add(a, b) on it.
func add(t *testing.T, c *client.Client, a, b int64) {
	t.Helper()
	ctx := context.Background()
	obj, err := c.Construct(ctx, demo.MyObjectType)
	require.NoError(t, err)
	defer obj.Destroy()

	out, err := obj.CallMethod(ctx, "Add",
		value.Arg("a", typedesc.Int32, i32(a)),
		value.Arg("b", typedesc.Int32, i32(b)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a+b, out[0].(value.Int).V)
}

func TestConnectEndpoint(t *testing.T) {
	svr := startHost(t)
	cfg := config.Default()
	cfg.Endpoint = "tcp://" + svr.Addr().String()
	cfg.Codec = "binary"

	c, err := client.Connect(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, cfg.Endpoint, c.Addr())
	add(t, c, 1, 2)
	add(t, c, 10, 20)
}

func TestConnectRegistry(t *testing.T) {
	a, b := startHost(t), startHost(t)
	cfg := config.Default()
	cfg.Registry.Static = []registry.EngineInstance{
		{Addr: a.Addr().String(), Weight: 1},
		{Addr: b.Addr().String(), Weight: 1},
	}

	seen := map[string]bool{}
	for range 4 {
		c, err := client.Connect(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		seen[c.Addr()] = true
		add(t, c, 3, 4)
		require.NoError(t, c.Close())
	}
	// each Connect builds a fresh round robin, so every session lands on the same instance
	require.Len(t, seen, 1)
	for addr := range seen {
		assert.Contains(t, []string{a.Addr().String(), b.Addr().String()}, addr)
	}
}

func TestConnectRegistryUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Static = []registry.EngineInstance{{Addr: "127.0.0.1:1"}}
	cfg.Registry.Service = "other"

	_, err := client.Connect(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestConnectScan(t *testing.T) {
	svr := startHost(t)
	_, portStr, err := net.SplitHostPort(svr.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Scan = config.ScanConfig{Host: "127.0.0.1", PortFrom: port, PortTo: port}
	c, err := client.Connect(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, svr.Addr().String(), c.Addr())
	add(t, c, 5, 6)
}

func TestConnectWebSocket(t *testing.T) {
	model := server.NewObjectModel(zap.NewNop())
	require.NoError(t, demo.Register(model))
	svr := server.NewServer(model)
	hs := httptest.NewServer(transport.WebSocketHandler(svr.ServeConn, zap.NewNop()))
	defer hs.Close()

	cfg := config.Default()
	cfg.Endpoint = "ws" + strings.TrimPrefix(hs.URL, "http")
	c, err := client.Connect(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	add(t, c, 7, 8)
	out, err := c.CallStatic(context.Background(), demo.MyObjectType, "Version")
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.String("5.3")}, out)
}

func TestCloseFailsCalls(t *testing.T) {
	svr := startHost(t)
	cfg := config.Default()
	cfg.Endpoint = svr.Addr().String()

	c, err := client.Connect(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	obj, err := c.Construct(context.Background(), demo.MyObjectType)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, session.Closed, c.Session().State())
	_, err = obj.GetProperty(context.Background(), "Value")
	assert.ErrorIs(t, err, rpcerr.ErrSessionClosed)
	obj.Destroy()
}

func TestConnectInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Codec = "xml"
	_, err := client.Connect(context.Background(), cfg, nil)
	assert.Error(t, err)
}
