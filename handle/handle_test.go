package handle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uebridge/rpcerr"
	"uebridge/typedesc"
)

var testType = typedesc.MustIntern("HandleTestObject", typedesc.Object)

func TestRegisterDuplicateWhileLive(t *testing.T) {
	tbl := NewTable()
	local := NewLocalID()

	h, err := tbl.Register(local, 1, testType)
	require.NoError(t, err)
	assert.Equal(t, Live, h.State)
	assert.Equal(t, uint64(1), h.Remote)

	_, err = tbl.Register(local, 2, testType)
	assert.ErrorIs(t, err, rpcerr.ErrDuplicateHandle)

	remote, wasLive := tbl.Release(local)
	assert.True(t, wasLive)
	assert.Equal(t, uint64(1), remote)

	h, err = tbl.Register(local, 2, testType)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Remote)
}

func TestRemoteIDsAreNeverReused(t *testing.T) {
	tbl := NewTable()
	a := NewLocalID()
	_, err := tbl.Register(a, 7, testType)
	require.NoError(t, err)
	tbl.Release(a)

	_, err = tbl.Register(NewLocalID(), 7, testType)
	assert.ErrorIs(t, err, rpcerr.ErrDuplicateHandle)

	_, err = tbl.Adopt(7, testType)
	assert.ErrorIs(t, err, rpcerr.ErrStaleReference)
}

func TestResolveStates(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Resolve(NewLocalID())
	assert.ErrorIs(t, err, rpcerr.ErrUnknownHandle)

	local := NewLocalID()
	_, err = tbl.Register(local, 1, testType)
	require.NoError(t, err)
	tbl.Release(local)
	_, err = tbl.Resolve(local)
	assert.ErrorIs(t, err, rpcerr.ErrInvalidHandle)

	failed := NewLocalID()
	require.NoError(t, tbl.Reserve(failed, testType))
	cause := errors.New("engine refused")
	tbl.Fail(failed, cause)
	_, err = tbl.Resolve(failed)
	assert.ErrorIs(t, err, rpcerr.ErrConstructionFailed)
	assert.ErrorIs(t, err, cause)
}

func TestReleaseIsIdempotent(t *testing.T) {
	tbl := NewTable()
	local := NewLocalID()
	_, err := tbl.Register(local, 3, testType)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	live := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, wasLive := tbl.Release(local); wasLive {
				mu.Lock()
				live++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, live)

	_, wasLive := tbl.Release(NewLocalID())
	assert.False(t, wasLive)
	assert.Equal(t, 0, tbl.Len())
}

func TestWaitForPending(t *testing.T) {
	tbl := NewTable()
	local := NewLocalID()
	require.NoError(t, tbl.Reserve(local, testType))

	_, err := tbl.Wait(context.Background(), local, false)
	assert.ErrorIs(t, err, rpcerr.ErrNotReady)

	done := make(chan Handle, 1)
	go func() {
		h, err := tbl.Wait(context.Background(), local, true)
		assert.NoError(t, err)
		done <- h
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = tbl.Complete(local, 11)
	require.NoError(t, err)

	select {
	case h := <-done:
		assert.Equal(t, Live, h.State)
		assert.Equal(t, uint64(11), h.Remote)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Complete")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	tbl := NewTable()
	local := NewLocalID()
	require.NoError(t, tbl.Reserve(local, testType))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.Wait(ctx, local, true)
	assert.ErrorIs(t, err, rpcerr.ErrTimedOut)
}

func TestReleaseDuringConstructionHandsBackOrphan(t *testing.T) {
	tbl := NewTable()
	local := NewLocalID()
	require.NoError(t, tbl.Reserve(local, testType))

	remote, wasLive := tbl.Release(local)
	assert.False(t, wasLive)
	assert.Zero(t, remote)

	_, err := tbl.Complete(local, 21)
	assert.ErrorIs(t, err, rpcerr.ErrInvalidHandle)

	// the orphan's id is burnt
	_, err = tbl.Register(NewLocalID(), 21, testType)
	assert.ErrorIs(t, err, rpcerr.ErrDuplicateHandle)
}

func TestAdoptAndResolveRemote(t *testing.T) {
	tbl := NewTable()

	h, err := tbl.Adopt(40, testType)
	require.NoError(t, err)
	assert.Equal(t, Live, h.State)

	again, err := tbl.Adopt(40, testType)
	require.NoError(t, err)
	assert.Equal(t, h.Local, again.Local)

	got, ok := tbl.ResolveRemote(40)
	require.True(t, ok)
	assert.Equal(t, h.Local, got.Local)

	_, ok = tbl.ResolveRemote(41)
	assert.False(t, ok)

	assert.Len(t, tbl.Live(), 1)
}
