package orchestration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/tmux"
)

// fakePanes scripts pane behavior so no real tmux is needed.
type fakePanes struct {
	mu       sync.Mutex
	sessions map[string]bool
	texts    []string
	keys     []tmux.Key
	capture  string
}

func newFakePanes() *fakePanes {
	return &fakePanes{sessions: make(map[string]bool)}
}

func (f *fakePanes) Create(_ context.Context, sessionName, _ string) (tmux.Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionName] = true
	return tmux.Pane{Session: sessionName}, nil
}

func (f *fakePanes) SendText(_ context.Context, pane tmux.Pane, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[pane.Session] {
		return tmux.ErrPaneGone
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakePanes) SendKey(_ context.Context, pane tmux.Pane, key tmux.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[pane.Session] {
		return tmux.ErrPaneGone
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePanes) CaptureScrollback(_ context.Context, pane tmux.Pane, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[pane.Session] {
		return "", tmux.ErrPaneGone
	}
	return f.capture, nil
}

func (f *fakePanes) Kill(_ context.Context, pane tmux.Pane) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, pane.Session)
	return nil
}

func (f *fakePanes) Alive(_ context.Context, pane tmux.Pane) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[pane.Session]
}

func (f *fakePanes) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func newOrchestrator(t *testing.T) (*Orchestrator, *fakePanes) {
	t.Helper()
	root := t.TempDir()

	opts := Options{
		Engine: engine.Config{
			WorkspaceRoot:     filepath.Join(root, "work"),
			ArtifactsRoot:     filepath.Join(root, "artifacts"),
			MaxInstances:      3,
			PreserveArtifacts: true,
			ArtifactPatterns:  []string{"*.md"},
			HTTPToolURL:       "http://127.0.0.1:8377/rpc",
			StdioToolCommand:  "hivemux",
			StdioToolArgs:     []string{"stdio"},
		},
		JournalRoot:       filepath.Join(root, "journal"),
		DisableSupervisor: true,
	}
	require.NoError(t, os.MkdirAll(opts.Engine.WorkspaceRoot, 0o755))

	adapter := newFakePanes()
	orch, err := New(opts, adapter)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return orch, adapter
}

func TestNew_StatusBeforeAnySpawn(t *testing.T) {
	orch, _ := newOrchestrator(t)
	orch.Start(context.Background())

	status := orch.GetStatus()
	assert.Empty(t, status.Instances)
	assert.Zero(t, status.Outstanding)
	assert.False(t, status.SupervisorOn)
	assert.NotEmpty(t, status.JournalRoot)
}

func TestSpawnSendTerminate_EndToEnd(t *testing.T) {
	orch, adapter := newOrchestrator(t)
	orch.Start(context.Background())
	ctx := context.Background()

	snap, err := orch.Spawn(ctx, engine.SpawnRequest{
		Name: "builder",
		Kind: registry.KindClaude,
		Role: "general",
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, snap.State)
	assert.DirExists(t, snap.WorkDir)

	listed := orch.ListInstances(registry.Query{})
	require.Len(t, listed, 1)
	assert.Equal(t, snap.ID, listed[0].ID)

	res, err := orch.Send(ctx, engine.SendRequest{
		Target:  "builder",
		Content: "ping task",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	// Delivery is asynchronous through the instance owner.
	require.Eventually(t, func() bool {
		records, err := orch.CommunicationLog("builder", 10)
		return err == nil && len(records) > 0
	}, 3*time.Second, 20*time.Millisecond)

	var delivered bool
	for _, text := range adapter.sent() {
		if strings.Contains(text, "ping") {
			delivered = true
		}
	}
	assert.True(t, delivered, "message should reach the pane")

	require.NoError(t, orch.Terminate(ctx, engine.TerminateRequest{Target: "builder", Reason: "done"}))

	got, err := orch.GetInstance("builder")
	require.NoError(t, err)
	assert.Equal(t, registry.StateTerminated, got.State)
}

func TestInterrupt_SendsControlKey(t *testing.T) {
	orch, adapter := newOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Spawn(ctx, engine.SpawnRequest{Name: "worker", Kind: registry.KindCodex})
	require.NoError(t, err)

	require.NoError(t, orch.Interrupt(ctx, "worker"))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Contains(t, adapter.keys, tmux.KeyInterrupt)
}

func TestReadArtifact_RejectsEscape(t *testing.T) {
	orch, _ := newOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Spawn(ctx, engine.SpawnRequest{Name: "builder", Kind: registry.KindClaude})
	require.NoError(t, err)

	_, err = orch.ReadArtifact("builder", "../outside.md")
	require.Error(t, err)
	assert.Equal(t, oerr.InvalidArgument, oerr.KindOf(err))
}

func TestReadArtifact_PreservedAfterTermination(t *testing.T) {
	orch, _ := newOrchestrator(t)
	ctx := context.Background()

	snap, err := orch.Spawn(ctx, engine.SpawnRequest{Name: "builder", Kind: registry.KindClaude})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(snap.WorkDir, "report.md"), []byte("findings"), 0o600))

	require.NoError(t, orch.Terminate(ctx, engine.TerminateRequest{Target: "builder"}))

	content, err := orch.ReadArtifact("builder", "report.md")
	require.NoError(t, err)
	assert.Equal(t, "findings", content)
}

func TestUsage_CountsInstances(t *testing.T) {
	orch, _ := newOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Spawn(ctx, engine.SpawnRequest{Name: "a", Kind: registry.KindClaude})
	require.NoError(t, err)
	_, err = orch.Spawn(ctx, engine.SpawnRequest{Name: "b", Kind: registry.KindCodex})
	require.NoError(t, err)

	usage := orch.Usage()
	assert.Equal(t, 2, usage.Instances)
	assert.Equal(t, 2, usage.Live)
	assert.NotEmpty(t, usage.CostDisplay)
}
