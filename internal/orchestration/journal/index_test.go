package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hivemux/internal/orchestration/metrics"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func TestIndex_RecordSpawnAndTermination(t *testing.T) {
	x := openTestIndex(t)
	id := registry.NewID()
	spawned := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	require.NoError(t, x.RecordSpawn(registry.Snapshot{
		ID:        id,
		Name:      "builder",
		Kind:      registry.KindClaude,
		Role:      "general",
		WorkDir:   "/tmp/w",
		CreatedAt: spawned,
	}))

	var name string
	var terminated *time.Time
	row := x.db.QueryRow(`SELECT name, terminated_at FROM instances WHERE id = ?`, string(id))
	require.NoError(t, row.Scan(&name, &terminated))
	assert.Equal(t, "builder", name)
	assert.Nil(t, terminated)

	usage := metrics.Usage{Requests: 3, Tokens: 120, CostUSD: 0.0011}
	require.NoError(t, x.RecordTermination(id, spawned.Add(time.Hour), usage))

	var tokens int
	var cost float64
	row = x.db.QueryRow(`SELECT tokens, cost_usd FROM instances WHERE id = ?`, string(id))
	require.NoError(t, row.Scan(&tokens, &cost))
	assert.Equal(t, 120, tokens)
	assert.InDelta(t, 0.0011, cost, 1e-9)
}

func TestIndex_DuplicateSpawnRejected(t *testing.T) {
	x := openTestIndex(t)
	snap := registry.Snapshot{ID: registry.NewID(), Name: "dup", Kind: registry.KindCodex, Role: "general", WorkDir: "/tmp", CreatedAt: time.Now()}

	require.NoError(t, x.RecordSpawn(snap))
	assert.Error(t, x.RecordSpawn(snap))
}

func TestIndex_ReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	x, err := OpenIndex(path)
	require.NoError(t, err)
	require.NoError(t, x.RecordSpawn(registry.Snapshot{ID: registry.NewID(), Name: "persist", Kind: registry.KindClaude, Role: "general", WorkDir: "/tmp", CreatedAt: time.Now()}))
	require.NoError(t, x.Close())

	x2, err := OpenIndex(path)
	require.NoError(t, err)
	defer x2.Close()

	var count int
	require.NoError(t, x2.db.QueryRow(`SELECT COUNT(*) FROM instances`).Scan(&count))
	assert.Equal(t, 1, count)
}
