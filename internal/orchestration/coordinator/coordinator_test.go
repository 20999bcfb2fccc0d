package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

// fakeSender scripts per-target replies and records send order.
type fakeSender struct {
	mu      sync.Mutex
	replies map[string]string
	fails   map[string]error
	sends   []engine.SendRequest
	live    map[registry.ID][]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		replies: make(map[string]string),
		fails:   make(map[string]error),
		live:    make(map[registry.ID][]string),
	}
}

func (f *fakeSender) Send(_ context.Context, req engine.SendRequest) (engine.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	f.mu.Unlock()

	if err, ok := f.fails[req.Target]; ok {
		return engine.SendResult{}, err
	}
	return engine.SendResult{Reply: f.replies[req.Target], Delivered: true}, nil
}

func (f *fakeSender) LiveArtifacts(id registry.ID) []string { return f.live[id] }

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.Target
	}
	return out
}

func addInstance(t *testing.T, reg *registry.Registry, name string, parent registry.ID, state registry.State) registry.Snapshot {
	t.Helper()
	inst := &registry.Instance{
		ID:       registry.NewID(),
		Name:     name,
		Kind:     registry.KindClaude,
		Role:     "general",
		ParentID: parent,
		State:    state,
	}
	require.NoError(t, reg.Insert(inst))
	snap, err := reg.Get(inst.ID)
	require.NoError(t, err)
	return snap
}

func terminate(t *testing.T, reg *registry.Registry, id registry.ID) {
	t.Helper()
	_, err := reg.Transition(id, registry.StateTerminating)
	require.NoError(t, err)
	_, err = reg.Transition(id, registry.StateTerminated)
	require.NoError(t, err)
}

func TestBroadcast_TerminatedChildReportedAsError(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	parent := addInstance(t, reg, "parent", registry.External, registry.StateRunning)
	c1 := addInstance(t, reg, "c1", parent.ID, registry.StateRunning)
	c2 := addInstance(t, reg, "c2", parent.ID, registry.StateRunning)
	terminate(t, reg, c1.ID)

	results, err := c.Broadcast(context.Background(), "parent", "status", parent.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "terminated child must appear in the result set")

	byTarget := make(map[registry.ID]BroadcastResult, len(results))
	for _, res := range results {
		byTarget[res.Target] = res
	}

	dead := byTarget[c1.ID]
	assert.False(t, dead.OK)
	assert.Contains(t, dead.Error, "terminated")

	live := byTarget[c2.ID]
	assert.True(t, live.OK)
	assert.Empty(t, live.Error)

	// No delivery attempt is made to the dead child.
	assert.NotContains(t, sender.sentTo(), string(c1.ID))
}

func TestBroadcast_ReportsPerChildFailures(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	parent := addInstance(t, reg, "parent", "", registry.StateRunning)
	addInstance(t, reg, "ok-child", parent.ID, registry.StateRunning)
	bad := addInstance(t, reg, "bad-child", parent.ID, registry.StateRunning)
	sender.fails[string(bad.ID)] = oerr.New(oerr.SendFailed, "pane write aborted")

	results, err := c.Broadcast(context.Background(), "parent", "status", parent.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]BroadcastResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.True(t, byName["ok-child"].OK)
	assert.False(t, byName["bad-child"].OK)
	assert.Contains(t, byName["bad-child"].Error, "pane write aborted")
}

func TestCoordinate_SequentialOrderAndContext(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	a := addInstance(t, reg, "a", "", registry.StateRunning)
	b := addInstance(t, reg, "b", "", registry.StateRunning)
	sender.replies[string(a.ID)] = "reply-a"
	sender.replies[string(b.ID)] = "reply-b"

	res, err := c.Coordinate(context.Background(), CoordinateRequest{
		Targets:        []string{"a", "b"},
		Mode:           Sequential,
		Payload:        "echo PING",
		PerStepTimeout: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, []string{string(a.ID), string(b.ID)}, sender.sentTo())
	assert.Equal(t, "reply-a", res.Results[0].Reply)

	// The second step carries the first reply as context.
	second := sender.sends[1]
	assert.Contains(t, second.Content, "echo PING")
	assert.Contains(t, second.Content, "reply-a")
}

func TestCoordinate_SequentialFailsFast(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	a := addInstance(t, reg, "a", "", registry.StateRunning)
	addInstance(t, reg, "b", "", registry.StateRunning)
	sender.fails[string(a.ID)] = oerr.New(oerr.Timeout, "no reply")

	res, err := c.Coordinate(context.Background(), CoordinateRequest{
		Targets: []string{"a", "b"},
		Mode:    Sequential,
		Payload: "go",
	})
	require.Error(t, err)
	assert.Equal(t, oerr.Timeout, oerr.KindOf(err))
	require.Len(t, res.Results, 1)
	assert.Equal(t, []string{string(a.ID)}, sender.sentTo(), "b must not be contacted")
}

func TestCoordinate_ParallelPartialSuccess(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	a := addInstance(t, reg, "a", "", registry.StateRunning)
	b := addInstance(t, reg, "b", "", registry.StateRunning)
	sender.replies[string(a.ID)] = "ok"
	sender.fails[string(b.ID)] = oerr.New(oerr.Timeout, "no reply")

	res, err := c.Coordinate(context.Background(), CoordinateRequest{
		Targets: []string{"a", "b"},
		Mode:    Parallel,
		Payload: "go",
	})
	require.NoError(t, err, "parallel succeeds when at least one target succeeded")
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].OK)
	assert.False(t, res.Results[1].OK)
}

func TestCoordinate_ParallelAllFailed(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	a := addInstance(t, reg, "a", "", registry.StateRunning)
	sender.fails[string(a.ID)] = oerr.New(oerr.Timeout, "no reply")

	_, err := c.Coordinate(context.Background(), CoordinateRequest{
		Targets: []string{"a"},
		Mode:    Parallel,
		Payload: "go",
	})
	assert.Error(t, err)
}

func TestCoordinate_ConsensusMajority(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	for i, reply := range []string{"42", "42", "7"} {
		inst := addInstance(t, reg, string(rune('a'+i)), "", registry.StateRunning)
		sender.replies[string(inst.ID)] = reply
	}

	res, err := c.Coordinate(context.Background(), CoordinateRequest{
		Targets: []string{"a", "b", "c"},
		Mode:    Consensus,
		Payload: "what is the answer?",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Consensus)
}

func TestCoordinate_ConsensusCustomReducer(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	c := New(reg, sender, t.TempDir())

	inst := addInstance(t, reg, "a", "", registry.StateRunning)
	sender.replies[string(inst.ID)] = "anything"

	res, err := c.Coordinate(context.Background(), CoordinateRequest{
		Targets: []string{"a"},
		Mode:    Consensus,
		Payload: "go",
		Reduce:  func([]StepResult) string { return "reduced" },
	})
	require.NoError(t, err)
	assert.Equal(t, "reduced", res.Consensus)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"sequential", "parallel", "consensus"} {
		_, err := ParseMode(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseMode("quorum")
	assert.Equal(t, oerr.InvalidArgument, oerr.KindOf(err))
	assert.NotEmpty(t, oerr.HintOf(err))
}

func TestCollectTeamArtifacts_SourcePriority(t *testing.T) {
	reg := registry.New()
	sender := newFakeSender()
	artifactsRoot := t.TempDir()
	c := New(reg, sender, artifactsRoot)

	root := addInstance(t, reg, "root", "", registry.StateRunning)
	preserved := addInstance(t, reg, "preserved", root.ID, registry.StateRunning)
	livec := addInstance(t, reg, "live", root.ID, registry.StateRunning)
	absent := addInstance(t, reg, "absent", root.ID, registry.StateRunning)

	// preserved: terminated with a preserved artifacts dir.
	terminate(t, reg, preserved.ID)
	dir := filepath.Join(artifactsRoot, string(preserved.ID))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.md"), []byte("r"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_metadata.json"), []byte("{}"), 0o644))

	// live: workspace artifacts via the engine.
	sender.live[livec.ID] = []string{"notes.txt"}

	// absent: terminated without preservation.
	terminate(t, reg, absent.ID)

	manifest, err := c.CollectTeamArtifacts("root")
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 3)

	bySource := map[registry.ID]ManifestEntry{}
	for _, e := range manifest.Entries {
		bySource[e.ID] = e
	}
	assert.Equal(t, SourcePreserved, bySource[preserved.ID].Source)
	assert.Equal(t, []string{"result.md"}, bySource[preserved.ID].Files)
	assert.Equal(t, SourceWorkspace, bySource[livec.ID].Source)
	assert.Equal(t, 1, bySource[livec.ID].FileCount)
	assert.Equal(t, SourceAbsent, bySource[absent.ID].Source)
	assert.Equal(t, 0, bySource[absent.ID].FileCount)
}
