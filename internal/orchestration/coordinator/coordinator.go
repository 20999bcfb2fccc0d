// Package coordinator implements multi-instance operations: broadcasts to
// children, sequential/parallel/consensus workflows, and team artifact
// collection across live and terminated descendants.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

// Sender is the engine surface the coordinator drives.
type Sender interface {
	Send(ctx context.Context, req engine.SendRequest) (engine.SendResult, error)
	LiveArtifacts(id registry.ID) []string
}

// Mode selects a coordination strategy.
type Mode string

const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
	Consensus  Mode = "consensus"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Sequential, Parallel, Consensus:
		return Mode(s), nil
	default:
		return "", oerr.New(oerr.InvalidArgument, "unknown coordination mode %q", s).
			WithHint(`mode must be "sequential", "parallel", or "consensus"`)
	}
}

// StepResult is one target's outcome in a coordination run.
type StepResult struct {
	Target registry.ID `json:"target"`
	Name   string      `json:"name"`
	Reply  string      `json:"reply,omitempty"`
	Error  string      `json:"error,omitempty"`
	OK     bool        `json:"ok"`
}

// Reducer folds parallel replies into a consensus value.
type Reducer func(results []StepResult) string

// Coordinator runs multi-instance operations.
type Coordinator struct {
	reg           *registry.Registry
	sender        Sender
	artifactsRoot string
	now           func() time.Time
}

// New creates a coordinator.
func New(reg *registry.Registry, sender Sender, artifactsRoot string) *Coordinator {
	return &Coordinator{reg: reg, sender: sender, artifactsRoot: artifactsRoot, now: time.Now}
}

// ArtifactsRoot returns the preserved-artifacts directory root.
func (c *Coordinator) ArtifactsRoot() string { return c.artifactsRoot }

// BroadcastResult maps each child to its delivery outcome.
type BroadcastResult struct {
	Target registry.ID `json:"target"`
	Name   string      `json:"name"`
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
}

// Broadcast delivers the payload to every child of the parent
// concurrently. Per-child failures are reported, not fatal; a child that
// is no longer live appears as an error entry rather than vanishing.
func (c *Coordinator) Broadcast(ctx context.Context, parent string, payload string, from registry.ID) ([]BroadcastResult, error) {
	snap, err := c.reg.Resolve(parent)
	if err != nil {
		return nil, err
	}
	children := c.reg.Children(snap.ID, true)
	if len(children) == 0 {
		return nil, nil
	}

	results := make([]BroadcastResult, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		if !child.State.Live() {
			results[i] = BroadcastResult{
				Target: child.ID,
				Name:   child.Name,
				Error:  oerr.New(oerr.NotFound, "instance %s is %s", child.ID, child.State).Error(),
			}
			continue
		}
		wg.Add(1)
		go func(i int, child registry.Snapshot) {
			defer wg.Done()
			res := BroadcastResult{Target: child.ID, Name: child.Name}
			_, err := c.sender.Send(ctx, engine.SendRequest{
				Target:  string(child.ID),
				Content: payload,
				From:    from,
			})
			if err != nil {
				res.Error = err.Error()
			} else {
				res.OK = true
			}
			results[i] = res
		}(i, child)
	}
	wg.Wait()

	log.Info(log.CatCoord, "broadcast complete", "parent", snap.ID, "children", len(children))
	return results, nil
}

// CoordinateRequest describes one coordination run.
type CoordinateRequest struct {
	Targets        []string
	Mode           Mode
	Payload        string
	PerStepTimeout time.Duration
	From           registry.ID
	// Reduce is used by consensus mode; nil selects the built-in majority
	// rule over exact reply strings.
	Reduce Reducer
}

// CoordinateResult carries the per-target outcomes and, for consensus
// mode, the reduced value.
type CoordinateResult struct {
	Results   []StepResult `json:"results"`
	Consensus string       `json:"consensus,omitempty"`
}

// Coordinate runs the payload across targets in the requested mode.
// Sequential feeds each reply into the next step and fails fast;
// parallel and consensus run all targets concurrently with independent
// timeouts and succeed if at least one target succeeded.
func (c *Coordinator) Coordinate(ctx context.Context, req CoordinateRequest) (CoordinateResult, error) {
	if len(req.Targets) == 0 {
		return CoordinateResult{}, oerr.New(oerr.InvalidArgument, "no coordination targets")
	}
	targets := make([]registry.Snapshot, len(req.Targets))
	for i, ref := range req.Targets {
		snap, err := c.reg.Resolve(ref)
		if err != nil {
			return CoordinateResult{}, err
		}
		targets[i] = snap
	}

	switch req.Mode {
	case Sequential:
		results, err := c.sequential(ctx, targets, req)
		return CoordinateResult{Results: results}, err
	case Parallel:
		results := c.parallel(ctx, targets, req)
		if !anySucceeded(results) {
			return CoordinateResult{Results: results}, oerr.New(oerr.Internal, "all %d coordination targets failed", len(results))
		}
		return CoordinateResult{Results: results}, nil
	case Consensus:
		results := c.parallel(ctx, targets, req)
		if !anySucceeded(results) {
			return CoordinateResult{Results: results}, oerr.New(oerr.Internal, "all %d coordination targets failed", len(results))
		}
		reduce := req.Reduce
		if reduce == nil {
			reduce = MajorityReduce
		}
		return CoordinateResult{Results: results, Consensus: reduce(results)}, nil
	default:
		return CoordinateResult{}, oerr.New(oerr.InvalidArgument, "unknown coordination mode %q", req.Mode).
			WithHint(`mode must be "sequential", "parallel", or "consensus"`)
	}
}

// sequential contacts targets strictly in order; each reply becomes
// context for the next step. The first failure aborts the run.
func (c *Coordinator) sequential(ctx context.Context, targets []registry.Snapshot, req CoordinateRequest) ([]StepResult, error) {
	var results []StepResult
	content := req.Payload

	for _, target := range targets {
		res, err := c.sender.Send(ctx, engine.SendRequest{
			Target:       string(target.ID),
			Content:      content,
			From:         req.From,
			WaitForReply: true,
			Timeout:      req.PerStepTimeout,
		})
		step := StepResult{Target: target.ID, Name: target.Name}
		if err != nil {
			step.Error = err.Error()
			results = append(results, step)
			return results, oerr.Wrap(oerr.KindOf(err), err, "sequential step %s failed", target.Name)
		}
		step.Reply = res.Reply
		step.OK = true
		results = append(results, step)

		content = fmt.Sprintf("%s\n\nContext from %s:\n%s", req.Payload, target.Name, res.Reply)
	}
	return results, nil
}

// parallel contacts all targets concurrently with independent timeouts.
func (c *Coordinator) parallel(ctx context.Context, targets []registry.Snapshot, req CoordinateRequest) []StepResult {
	results := make([]StepResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target registry.Snapshot) {
			defer wg.Done()
			res, err := c.sender.Send(ctx, engine.SendRequest{
				Target:       string(target.ID),
				Content:      req.Payload,
				From:         req.From,
				WaitForReply: true,
				Timeout:      req.PerStepTimeout,
			})
			step := StepResult{Target: target.ID, Name: target.Name}
			if err != nil {
				step.Error = err.Error()
			} else {
				step.Reply = res.Reply
				step.OK = true
			}
			results[i] = step
		}(i, target)
	}
	wg.Wait()
	return results
}

// MajorityReduce is the built-in consensus reducer: the most frequent
// exact reply among successful steps, ties broken lexicographically.
func MajorityReduce(results []StepResult) string {
	counts := make(map[string]int)
	for _, r := range results {
		if r.OK {
			counts[strings.TrimSpace(r.Reply)]++
		}
	}
	best, bestCount := "", 0
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func anySucceeded(results []StepResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}

// ArtifactSource identifies where a descendant's artifacts came from.
type ArtifactSource string

const (
	SourcePreserved ArtifactSource = "preserved"
	SourceWorkspace ArtifactSource = "workspace"
	SourceAbsent    ArtifactSource = "absent"
)

// ManifestEntry records one descendant's artifact situation.
type ManifestEntry struct {
	ID        registry.ID    `json:"id"`
	Name      string         `json:"name"`
	State     registry.State `json:"state"`
	Source    ArtifactSource `json:"source"`
	Files     []string       `json:"files,omitempty"`
	FileCount int            `json:"file_count"`
	Path      string         `json:"path,omitempty"`
}

// Manifest is the result of a team artifact collection.
type Manifest struct {
	TeamRoot    registry.ID     `json:"team_root"`
	Entries     []ManifestEntry `json:"entries"`
	CollectedAt time.Time       `json:"collected_at"`
}

// CollectTeamArtifacts gathers artifacts from every descendant of the
// team root, including terminated ones. Preserved artifacts win over the
// live workspace; absence is recorded, never fatal.
func (c *Coordinator) CollectTeamArtifacts(teamRoot string) (Manifest, error) {
	snap, err := c.reg.Resolve(teamRoot)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{TeamRoot: snap.ID, CollectedAt: c.now()}
	for _, desc := range c.reg.Descendants(snap.ID, true) {
		entry := ManifestEntry{ID: desc.ID, Name: desc.Name, State: desc.State}

		preservedDir := filepath.Join(c.artifactsRoot, string(desc.ID))
		if files := preservedFiles(preservedDir); files != nil {
			entry.Source = SourcePreserved
			entry.Files = files
			entry.FileCount = len(files)
			entry.Path = preservedDir
		} else if desc.State.Live() {
			files := c.sender.LiveArtifacts(desc.ID)
			entry.Source = SourceWorkspace
			entry.Files = files
			entry.FileCount = len(files)
			entry.Path = desc.WorkDir
		} else {
			entry.Source = SourceAbsent
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	log.Info(log.CatCoord, "team artifacts collected", "root", snap.ID, "entries", len(manifest.Entries))
	return manifest, nil
}

// preservedFiles lists a preserved artifacts directory, excluding the
// metadata file. Returns nil when the directory does not exist.
func preservedFiles(dir string) []string {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() == "_metadata.json" {
			return nil
		}
		if rel, rerr := filepath.Rel(dir, path); rerr == nil {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
