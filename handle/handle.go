// Package handle maps local proxy identities to engine-side object identities.
//
// Each handle moves through a small state machine:
//
//	Pending ──Complete──▶ Live ──Release──▶ Destroyed
//	   │
//	   └──Fail──▶ Failed
//
// Destroyed and Failed are terminal. Remote ids are never reused for the life of a
// table, so a late or stale reference can never reach a different object.
package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"uebridge/metrics"
	"uebridge/rpcerr"
	"uebridge/typedesc"
)

// LocalID is the opaque identity of one local proxy.
type LocalID uuid.UUID

// NewLocalID returns a fresh random identity.
func NewLocalID() LocalID { return LocalID(uuid.New()) }

func (id LocalID) String() string { return uuid.UUID(id).String() }

// State of a handle.
type State uint8

const (
	Pending State = iota
	Live
	Destroyed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Live:
		return "Live"
	case Destroyed:
		return "Destroyed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Handle is a snapshot of one table entry.
type Handle struct {
	Local  LocalID
	Remote uint64 // 0 until Live
	Type   *typedesc.Descriptor
	State  State
}

type entry struct {
	Handle
	cause error         // construction failure, Failed only
	ready chan struct{} // closed when the entry leaves Pending
}

// Table is safe for concurrent use. Every method takes only the table mutex and
// never waits on the network, so Release can run from a finalizer.
type Table struct {
	mu       sync.Mutex
	byLocal  map[LocalID]*entry
	byRemote map[uint64]LocalID  // Live handles only
	used     map[uint64]struct{} // every remote id ever seen
}

func NewTable() *Table {
	return &Table{
		byLocal:  make(map[LocalID]*entry),
		byRemote: make(map[uint64]LocalID),
		used:     make(map[uint64]struct{}),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// busy reports whether local already owns an active handle.
func (t *Table) busy(local LocalID) bool {
	e, ok := t.byLocal[local]
	return ok && (e.State == Live || e.State == Pending)
}

// Register records a constructed remote object as Live.
func (t *Table) Register(local LocalID, remote uint64, typ *typedesc.Descriptor) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.busy(local) {
		return Handle{}, rpcerr.New(rpcerr.DuplicateHandle, "register", "local %s is already mapped", local)
	}
	if _, ok := t.used[remote]; ok {
		return Handle{}, rpcerr.New(rpcerr.DuplicateHandle, "register", "remote id %d was already used", remote)
	}
	e := &entry{Handle: Handle{Local: local, Remote: remote, Type: typ, State: Live}, ready: closedChan()}
	t.put(e)
	return e.Handle, nil
}

// Reserve records a construction in flight. Calls against a Pending handle wait
// for Complete or Fail.
func (t *Table) Reserve(local LocalID, typ *typedesc.Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.busy(local) {
		return rpcerr.New(rpcerr.DuplicateHandle, "reserve", "local %s is already mapped", local)
	}
	t.byLocal[local] = &entry{Handle: Handle{Local: local, Type: typ, State: Pending}, ready: make(chan struct{})}
	return nil
}

// Complete moves a Pending handle to Live. If the handle was released while the
// construction was in flight, Complete returns InvalidHandle and the caller owns the
// orphaned remote object.
func (t *Table) Complete(local LocalID, remote uint64) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byLocal[local]
	if !ok {
		return Handle{}, rpcerr.New(rpcerr.UnknownHandle, "complete", "local %s was never reserved", local)
	}
	if e.State != Pending {
		t.used[remote] = struct{}{}
		return e.Handle, rpcerr.New(rpcerr.InvalidHandle, "complete", "local %s is %s", local, e.State)
	}
	if _, dup := t.used[remote]; dup {
		e.State = Failed
		e.cause = rpcerr.New(rpcerr.DuplicateHandle, "complete", "remote id %d was already used", remote)
		close(e.ready)
		return e.Handle, e.cause
	}
	e.Remote = remote
	e.State = Live
	t.put(e)
	close(e.ready)
	return e.Handle, nil
}

// Fail moves a Pending handle to Failed. Other states are left alone.
func (t *Table) Fail(local LocalID, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byLocal[local]
	if !ok || e.State != Pending {
		return
	}
	e.State = Failed
	e.cause = cause
	close(e.ready)
}

// put stores a Live entry under both keys. Caller holds mu.
func (t *Table) put(e *entry) {
	t.byLocal[e.Local] = e
	t.byRemote[e.Remote] = e.Local
	t.used[e.Remote] = struct{}{}
	metrics.LiveHandles.Inc()
}

// Resolve returns the handle for local. A Pending handle is returned without error;
// use Wait to block until it resolves.
func (t *Table) Resolve(local LocalID) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolve(local)
}

func (t *Table) resolve(local LocalID) (Handle, error) {
	e, ok := t.byLocal[local]
	if !ok {
		return Handle{}, rpcerr.New(rpcerr.UnknownHandle, "resolve", "local %s was never registered", local)
	}
	switch e.State {
	case Destroyed:
		return e.Handle, rpcerr.New(rpcerr.InvalidHandle, "resolve", "%s %s was destroyed", e.Type, local)
	case Failed:
		return e.Handle, &rpcerr.Error{Kind: rpcerr.ConstructionFailed, Op: "resolve", Msg: e.Type.String(), Err: e.cause}
	}
	return e.Handle, nil
}

// Wait resolves local, blocking while it is Pending. With blocking false a Pending
// handle fails with NotReady instead.
func (t *Table) Wait(ctx context.Context, local LocalID, blocking bool) (Handle, error) {
	t.mu.Lock()
	h, err := t.resolve(local)
	if err != nil || h.State != Pending {
		t.mu.Unlock()
		return h, err
	}
	ready := t.byLocal[local].ready
	t.mu.Unlock()

	if !blocking {
		return h, rpcerr.New(rpcerr.NotReady, "resolve", "%s %s is still being constructed", h.Type, local)
	}
	select {
	case <-ready:
		return t.Resolve(local)
	case <-ctx.Done():
		return h, rpcerr.Wrap(rpcerr.TimedOut, "wait for construction", ctx.Err())
	}
}

// Release marks local Destroyed and reports the remote id the caller must destroy.
// It is idempotent: unknown and terminal handles are a no-op. Releasing a Pending
// handle returns wasLive false; Complete will later hand the orphan back.
func (t *Table) Release(local LocalID) (remote uint64, wasLive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byLocal[local]
	if !ok {
		return 0, false
	}
	switch e.State {
	case Live:
		e.State = Destroyed
		delete(t.byRemote, e.Remote)
		metrics.LiveHandles.Dec()
		return e.Remote, true
	case Pending:
		e.State = Destroyed
		close(e.ready)
	}
	return 0, false
}

// ResolveRemote finds the Live handle that owns remote.
func (t *Table) ResolveRemote(remote uint64) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	local, ok := t.byRemote[remote]
	if !ok {
		return Handle{}, false
	}
	return t.byLocal[local].Handle, true
}

// Adopt registers an object the engine handed back (a return value or out param)
// under a fresh local identity. An id that is already Live returns its existing
// handle; an id that was destroyed is rejected.
func (t *Table) Adopt(remote uint64, typ *typedesc.Descriptor) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if local, ok := t.byRemote[remote]; ok {
		return t.byLocal[local].Handle, nil
	}
	if _, ok := t.used[remote]; ok {
		return Handle{}, rpcerr.New(rpcerr.StaleReference, "adopt", "remote id %d was already destroyed", remote)
	}
	e := &entry{Handle: Handle{Local: NewLocalID(), Remote: remote, Type: typ, State: Live}, ready: closedChan()}
	t.put(e)
	return e.Handle, nil
}

// Live returns a snapshot of every Live handle.
func (t *Table) Live() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Handle, 0, len(t.byRemote))
	for _, local := range t.byRemote {
		out = append(out, t.byLocal[local].Handle)
	}
	return out
}

// Len returns the number of Live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRemote)
}
