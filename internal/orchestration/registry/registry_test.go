package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *testClock) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	return NewWithClock(clock.now), clock
}

func mkInstance(name string, parent ID) *Instance {
	return &Instance{
		ID:       NewID(),
		Name:     name,
		Kind:     KindClaude,
		Role:     "general",
		ParentID: parent,
		State:    StateCreating,
	}
}

func TestInsertAndResolve(t *testing.T) {
	r, _ := newTestRegistry()
	inst := mkInstance("builder", External)
	require.NoError(t, r.Insert(inst))

	byID, err := r.Resolve(string(inst.ID))
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byID.ID)

	byName, err := r.Resolve("builder")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byName.ID)

	_, err = r.Resolve("ghost")
	assert.Equal(t, oerr.NotFound, oerr.KindOf(err))
}

func TestInsert_RejectsLiveNameCollision(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Insert(mkInstance("worker", "")))

	err := r.Insert(mkInstance("worker", ""))
	assert.Equal(t, oerr.InvalidArgument, oerr.KindOf(err))
}

func TestInsert_AllowsNameReuseAfterTermination(t *testing.T) {
	r, _ := newTestRegistry()
	old := mkInstance("worker", "")
	require.NoError(t, r.Insert(old))
	_, err := r.Transition(old.ID, StateTerminating)
	require.NoError(t, err)
	_, err = r.Transition(old.ID, StateTerminated)
	require.NoError(t, err)

	fresh := mkInstance("worker", "")
	require.NoError(t, r.Insert(fresh))

	got, err := r.Resolve("worker")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)

	// The terminated record is still reachable by ID.
	_, err = r.Get(old.ID)
	assert.NoError(t, err)
}

func TestTransition_EnforcesLifecycle(t *testing.T) {
	r, _ := newTestRegistry()
	inst := mkInstance("fsm", "")
	require.NoError(t, r.Insert(inst))

	for _, target := range []State{StateInitializing, StateRunning, StateBusy, StateIdle, StateTerminating} {
		_, err := r.Transition(inst.ID, target)
		require.NoError(t, err, "to %s", target)
	}

	_, err := r.Transition(inst.ID, StateRunning)
	require.Error(t, err)
	assert.Equal(t, oerr.Internal, oerr.KindOf(err))

	snap, err := r.Transition(inst.ID, StateTerminated)
	require.NoError(t, err)
	require.NotNil(t, snap.TerminatedAt)
}

func TestChildrenAndDescendants(t *testing.T) {
	r, clock := newTestRegistry()

	root := mkInstance("root", External)
	require.NoError(t, r.Insert(root))
	clock.advance(time.Second)

	childA := mkInstance("child-a", root.ID)
	require.NoError(t, r.Insert(childA))
	clock.advance(time.Second)

	childB := mkInstance("child-b", root.ID)
	require.NoError(t, r.Insert(childB))
	clock.advance(time.Second)

	grand := mkInstance("grand", childA.ID)
	require.NoError(t, r.Insert(grand))

	kids := r.Children(root.ID, false)
	require.Len(t, kids, 2)
	assert.Equal(t, childA.ID, kids[0].ID)

	all := r.Descendants(root.ID, false)
	require.Len(t, all, 3)
	// Depth-first: child-a, grand, child-b.
	assert.Equal(t, []ID{childA.ID, grand.ID, childB.ID}, []ID{all[0].ID, all[1].ID, all[2].ID})

	// Terminated descendants drop out unless asked for.
	_, err := r.Transition(childB.ID, StateTerminating)
	require.NoError(t, err)
	_, err = r.Transition(childB.ID, StateTerminated)
	require.NoError(t, err)
	assert.Len(t, r.Descendants(root.ID, false), 2)
	assert.Len(t, r.Descendants(root.ID, true), 3)
}

func TestList_Filters(t *testing.T) {
	r, clock := newTestRegistry()

	claude := mkInstance("c1", "")
	require.NoError(t, r.Insert(claude))
	clock.advance(time.Second)

	codex := mkInstance("x1", "")
	codex.Kind = KindCodex
	codex.Role = "debugger"
	require.NoError(t, r.Insert(codex))

	assert.Len(t, r.List(Query{}), 2)
	assert.Len(t, r.List(Query{Kind: KindCodex}), 1)
	assert.Len(t, r.List(Query{Role: "debugger"}), 1)

	_, err := r.Transition(codex.ID, StateTerminating)
	require.NoError(t, err)
	_, err = r.Transition(codex.ID, StateTerminated)
	require.NoError(t, err)
	assert.Len(t, r.List(Query{}), 1)
	assert.Len(t, r.List(Query{IncludeTerminated: true}), 2)
}

func TestCountLive(t *testing.T) {
	r, _ := newTestRegistry()
	a := mkInstance("a", "")
	b := mkInstance("b", "")
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))
	assert.Equal(t, 2, r.CountLive())

	_, err := r.Transition(a.ID, StateTerminating)
	require.NoError(t, err)
	_, err = r.Transition(a.ID, StateTerminated)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CountLive())
}

func TestPurge(t *testing.T) {
	r, clock := newTestRegistry()
	inst := mkInstance("old", "")
	require.NoError(t, r.Insert(inst))
	_, err := r.Transition(inst.ID, StateTerminating)
	require.NoError(t, err)
	_, err = r.Transition(inst.ID, StateTerminated)
	require.NoError(t, err)

	clock.advance(time.Hour)
	assert.Equal(t, 0, r.Purge(clock.now().Add(-2*time.Hour)), "cutoff before termination keeps record")
	assert.Equal(t, 1, r.Purge(clock.now()))

	_, err = r.Get(inst.ID)
	assert.Equal(t, oerr.NotFound, oerr.KindOf(err))
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreating, StateInitializing, true},
		{StateCreating, StateRunning, false},
		{StateInitializing, StateError, true},
		{StateBusy, StateIdle, true},
		{StateIdle, StateBusy, true},
		{StateTerminated, StateRunning, false},
		{StateError, StateTerminating, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
