// Package orchestration wires the subsystems into one facade: registry,
// message bus, engine, coordinator, supervisor, journal, and monitor feed.
// The RPC tool surface and the CLI both drive this type; neither reaches
// into a subsystem directly.
package orchestration

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/bus"
	"github.com/zjrosen/hivemux/internal/orchestration/coordinator"
	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/journal"
	"github.com/zjrosen/hivemux/internal/orchestration/metrics"
	"github.com/zjrosen/hivemux/internal/orchestration/monitor"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/orchestration/supervisor"
	"github.com/zjrosen/hivemux/internal/tmux"
)

// Options configures the orchestrator.
type Options struct {
	Engine engine.Config

	// JournalRoot is the directory for communication logs and audit files.
	JournalRoot string
	// IndexPath is the SQLite instance index file; empty disables the index.
	IndexPath string

	// SupervisorInterval overrides the sweep interval; zero keeps the default.
	SupervisorInterval time.Duration
	// DisableSupervisor skips the autonomous evaluation loop entirely.
	DisableSupervisor bool
}

// Orchestrator is the root object of the system.
type Orchestrator struct {
	reg     *registry.Registry
	bus     *bus.Bus
	journal *journal.Journal
	index   *journal.Index
	feed    *monitor.Feed
	engine  *engine.Engine
	coord   *coordinator.Coordinator
	sup     *supervisor.Supervisor
	adapter tmux.Adapter

	startedAt time.Time
}

// New builds and wires the orchestrator. Nothing runs until Start.
func New(opts Options, adapter tmux.Adapter) (*Orchestrator, error) {
	if opts.JournalRoot == "" {
		return nil, oerr.New(oerr.InvalidArgument, "journal root is required")
	}

	j, err := journal.New(opts.JournalRoot)
	if err != nil {
		return nil, err
	}

	var idx *journal.Index
	if opts.IndexPath != "" {
		idx, err = journal.OpenIndex(opts.IndexPath)
		if err != nil {
			j.Close()
			return nil, err
		}
	}

	reg := registry.New()
	b := bus.New()
	feed := monitor.New()

	eng, err := engine.New(opts.Engine, adapter, reg, b, j, idx, feed)
	if err != nil {
		feed.Close()
		j.Close()
		if idx != nil {
			_ = idx.Close()
		}
		return nil, err
	}

	o := &Orchestrator{
		reg:       reg,
		bus:       b,
		journal:   j,
		index:     idx,
		feed:      feed,
		engine:    eng,
		coord:     coordinator.New(reg, eng, opts.Engine.ArtifactsRoot),
		adapter:   adapter,
		startedAt: time.Now(),
	}

	if !opts.DisableSupervisor {
		interval := opts.SupervisorInterval
		if interval <= 0 {
			interval = supervisor.DefaultInterval
		}
		o.sup = supervisor.NewWithClock(reg, eng, b, feed, interval, time.Now)
	}
	return o, nil
}

// Start launches the background loops.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.sup != nil {
		o.sup.Start(ctx)
	}
	o.journal.PruneAudit()
	log.Info(log.CatEngine, "orchestrator started", "supervisor", o.sup != nil)
}

// Shutdown terminates all instances and closes the subsystems.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.sup != nil {
		o.sup.Stop()
	}
	o.engine.Shutdown(ctx)
	o.feed.Close()
	o.journal.Close()
	if o.index != nil {
		_ = o.index.Close()
	}
	log.Info(log.CatEngine, "orchestrator stopped")
}

// Feed exposes the observability feed for WebSocket streaming.
func (o *Orchestrator) Feed() *monitor.Feed { return o.feed }

// Spawn creates and launches a new instance.
func (o *Orchestrator) Spawn(ctx context.Context, req engine.SpawnRequest) (registry.Snapshot, error) {
	return o.engine.Spawn(ctx, req)
}

// Terminate shuts an instance down.
func (o *Orchestrator) Terminate(ctx context.Context, req engine.TerminateRequest) error {
	return o.engine.Terminate(ctx, req)
}

// Send delivers a message to an instance.
func (o *Orchestrator) Send(ctx context.Context, req engine.SendRequest) (engine.SendResult, error) {
	return o.engine.Send(ctx, req)
}

// Reply resolves an outstanding tagged message.
func (o *Orchestrator) Reply(messageID string, from registry.ID, content string) error {
	return o.engine.Reply(messageID, from, content)
}

// ListInstances returns filtered registry snapshots.
func (o *Orchestrator) ListInstances(q registry.Query) []registry.Snapshot {
	return o.reg.List(q)
}

// GetInstance resolves an instance by id or name.
func (o *Orchestrator) GetInstance(ref string) (registry.Snapshot, error) {
	return o.reg.Resolve(ref)
}

// Children returns the direct children of an instance.
func (o *Orchestrator) Children(ref string, includeTerminated bool) ([]registry.Snapshot, error) {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return o.reg.Children(snap.ID, includeTerminated), nil
}

// Descendants returns the full subtree below an instance.
func (o *Orchestrator) Descendants(ref string, includeTerminated bool) ([]registry.Snapshot, error) {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return o.reg.Descendants(snap.ID, includeTerminated), nil
}

// GetOutput captures an instance's recent pane output; for terminated
// instances the preserved scrollback is read instead.
func (o *Orchestrator) GetOutput(ctx context.Context, target string, tailLines int) (string, error) {
	return o.engine.GetOutput(ctx, target, tailLines)
}

// Interrupt sends Ctrl+C to a live instance's pane.
func (o *Orchestrator) Interrupt(ctx context.Context, ref string) error {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return err
	}
	if !snap.State.Live() {
		return oerr.New(oerr.NotFound, "instance %s is not running", snap.ID)
	}
	if err := o.adapter.SendKey(ctx, snap.Pane(), tmux.KeyInterrupt); err != nil {
		return oerr.Wrap(oerr.SendFailed, err, "interrupt %s", snap.ID)
	}
	log.Info(log.CatEngine, "instance interrupted", "id", snap.ID)
	return nil
}

// LiveArtifacts lists matched files in a live instance's workspace.
func (o *Orchestrator) LiveArtifacts(ref string) ([]string, error) {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return o.engine.LiveArtifacts(snap.ID), nil
}

// ReadArtifact returns one artifact's contents, from the live workspace or
// the preserved directory for terminated instances.
func (o *Orchestrator) ReadArtifact(ref, relPath string) (string, error) {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", oerr.New(oerr.InvalidArgument, "artifact path %q escapes the workspace", relPath)
	}

	base := snap.WorkDir
	if !snap.State.Live() {
		base = filepath.Join(o.coord.ArtifactsRoot(), string(snap.ID))
	}
	data, err := os.ReadFile(filepath.Join(base, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return "", oerr.New(oerr.NotFound, "artifact %q not found for instance %s", clean, snap.ID)
		}
		return "", oerr.Wrap(oerr.Internal, err, "read artifact %q", clean)
	}
	return string(data), nil
}

// Broadcast fans a payload out to every live child of a parent.
func (o *Orchestrator) Broadcast(ctx context.Context, parent, payload string, from registry.ID) ([]coordinator.BroadcastResult, error) {
	return o.coord.Broadcast(ctx, parent, payload, from)
}

// Coordinate runs a multi-instance workflow.
func (o *Orchestrator) Coordinate(ctx context.Context, req coordinator.CoordinateRequest) (coordinator.CoordinateResult, error) {
	return o.coord.Coordinate(ctx, req)
}

// CollectTeamArtifacts builds the artifact manifest for a subtree.
func (o *Orchestrator) CollectTeamArtifacts(teamRoot string) (coordinator.Manifest, error) {
	return o.coord.CollectTeamArtifacts(teamRoot)
}

// ProgressSnapshots returns the supervisor's per-instance classifications.
func (o *Orchestrator) ProgressSnapshots() []supervisor.Progress {
	if o.sup == nil {
		return nil
	}
	return o.sup.Snapshots()
}

// QueueDepth reports the pending message count for an instance.
func (o *Orchestrator) QueueDepth(ref string) (int, error) {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return 0, err
	}
	return o.bus.Depth(snap.ID), nil
}

// OutstandingReplies lists envelopes still awaiting a reply.
func (o *Orchestrator) OutstandingReplies() []bus.Envelope {
	return o.bus.Outstanding()
}

// UsageSummary aggregates traffic estimates across all instances.
type UsageSummary struct {
	Instances   int           `json:"instances"`
	Live        int           `json:"live"`
	Requests    int           `json:"requests"`
	Tokens      int           `json:"tokens"`
	CostUSD     float64       `json:"cost_usd"`
	CostDisplay string        `json:"cost_display"`
	Uptime      time.Duration `json:"uptime"`
}

// Usage returns totals across live and terminated instances.
func (o *Orchestrator) Usage() UsageSummary {
	var total metrics.Usage
	snaps := o.reg.List(registry.Query{IncludeTerminated: true})
	live := 0
	for _, s := range snaps {
		if s.State.Live() {
			live++
		}
		total.Requests += s.Usage.Requests
		total.Tokens += s.Usage.Tokens
		total.CostUSD += s.Usage.CostUSD
	}
	return UsageSummary{
		Instances:   len(snaps),
		Live:        live,
		Requests:    total.Requests,
		Tokens:      total.Tokens,
		CostUSD:     total.CostUSD,
		CostDisplay: total.FormatCostDisplay(),
		Uptime:      time.Since(o.startedAt),
	}
}

// CommunicationLog reads the most recent records from an instance's
// communication journal. limit <= 0 returns everything.
func (o *Orchestrator) CommunicationLog(ref string, limit int) ([]journal.CommRecord, error) {
	snap, err := o.reg.Resolve(ref)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(o.journal.InstanceDir(snap.ID), "communication.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oerr.Wrap(oerr.Internal, err, "open communication log for %s", snap.ID)
	}
	defer f.Close()

	var records []journal.CommRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec journal.CommRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// A partially flushed tail line is not fatal.
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, oerr.Wrap(oerr.Internal, err, "read communication log for %s", snap.ID)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Status is the orchestrator-wide health summary.
type Status struct {
	Instances     map[registry.State]int `json:"instances"`
	Outstanding   int                    `json:"outstanding_replies"`
	Subscribers   int                    `json:"monitor_subscribers"`
	Usage         UsageSummary           `json:"usage"`
	SupervisorOn  bool                   `json:"supervisor_enabled"`
	JournalRoot   string                 `json:"journal_root"`
	StartedAt     time.Time              `json:"started_at"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
}

// GetStatus summarizes the whole system for health checks and dashboards.
func (o *Orchestrator) GetStatus() Status {
	counts := make(map[registry.State]int)
	for _, s := range o.reg.List(registry.Query{IncludeTerminated: true}) {
		counts[s.State]++
	}
	return Status{
		Instances:     counts,
		Outstanding:   len(o.bus.Outstanding()),
		Subscribers:   o.feed.SubscriberCount(),
		Usage:         o.Usage(),
		SupervisorOn:  o.sup != nil,
		JournalRoot:   o.journal.Root(),
		StartedAt:     o.startedAt,
		UptimeSeconds: int64(time.Since(o.startedAt).Seconds()),
	}
}
