package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// redisAddr skips the test unless UEBRIDGE_REDIS_ADDR names a running Redis.
func redisAddr(t *testing.T) string {
	addr := os.Getenv("UEBRIDGE_REDIS_ADDR")
	if addr == "" {
		t.Skip("UEBRIDGE_REDIS_ADDR not set")
	}
	return addr
}

func TestRedisRegisterDiscoverWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, err := NewRedisRegistry(ctx, redisAddr(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reg.Close()
	reg.pollInterval = 20 * time.Millisecond

	service := "engine-test-" + time.Now().Format("150405.000")
	inst1 := EngineInstance{Addr: "127.0.0.1:60001", Weight: 10}
	inst2 := EngineInstance{Addr: "127.0.0.1:60002", Weight: 5}

	watch := reg.Watch(ctx, service)
	assert.Empty(t, <-watch)

	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []EngineInstance{inst1, inst2}, instances)

	require.Eventually(t, func() bool {
		select {
		case list := <-watch:
			return len(list) == 2
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Deregister(ctx, service, inst1.Addr))
	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []EngineInstance{inst2}, instances)
	require.NoError(t, reg.Deregister(ctx, service, inst2.Addr))
}

func TestNewRedisRegistryUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisRegistry(ctx, "127.0.0.1:1", nil)
	assert.Error(t, err)

	_, err = NewRedisRegistry(ctx, "", nil)
	assert.Error(t, err)
}
