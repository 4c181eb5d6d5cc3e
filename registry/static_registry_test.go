package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	require.NoError(t, reg.Register(ctx, "engine", EngineInstance{Addr: "127.0.0.1:60001", Weight: 1}, 0))
	require.NoError(t, reg.Register(ctx, "engine", EngineInstance{Addr: "127.0.0.1:60002", Weight: 1}, 0))
	// same address replaces
	require.NoError(t, reg.Register(ctx, "engine", EngineInstance{Addr: "127.0.0.1:60001", Weight: 7}, 0))

	list, err := reg.Discover(ctx, "engine")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, EngineInstance{Addr: "127.0.0.1:60001", Weight: 7}, list[1])

	require.NoError(t, reg.Deregister(ctx, "engine", "127.0.0.1:60002"))
	list, _ = reg.Discover(ctx, "engine")
	assert.Equal(t, []EngineInstance{{Addr: "127.0.0.1:60001", Weight: 7}}, list)

	empty, err := reg.Discover(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStaticRegistryWatch(t *testing.T) {
	reg := NewStaticRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	ch := reg.Watch(ctx, "engine")

	reg.Register(ctx, "engine", EngineInstance{Addr: "a"}, 0)
	reg.Register(ctx, "engine", EngineInstance{Addr: "b"}, 0)

	select {
	case list := <-ch:
		// only the latest list is kept
		assert.Len(t, list, 2)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}
