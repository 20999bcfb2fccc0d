// Package engine owns the lifecycle and I/O of assistant instances: it
// spawns them into tmux sessions, streams messages in through the
// paste-safe writer, correlates replies, and preserves artifacts on
// termination.
//
// Every instance has one owner goroutine that performs all pane writes
// for that instance. Other goroutines only enqueue; this serializes the
// keystroke stream per pane while keeping instances independent.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/bus"
	"github.com/zjrosen/hivemux/internal/orchestration/journal"
	"github.com/zjrosen/hivemux/internal/orchestration/metrics"
	"github.com/zjrosen/hivemux/internal/orchestration/monitor"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/orchestration/typewriter"
	"github.com/zjrosen/hivemux/internal/tmux"
)

const (
	// DefaultMaxInstances caps concurrent instances.
	DefaultMaxInstances = 10
	// DefaultReadyTimeout bounds the wait for a spawned CLI's ready sentinel.
	DefaultReadyTimeout = 120 * time.Second
	// DefaultSendTimeout is the reply deadline when the caller gives none.
	DefaultSendTimeout = 30 * time.Second

	// deliverTimeout bounds one paced pane delivery. Large payloads take
	// tens of seconds at 20ms per keystroke.
	deliverTimeout = 5 * time.Minute
	// fallbackCaptureLines is the scrollback tail used for fallback polling.
	fallbackCaptureLines = 500
	// readyPollInterval is how often the ready sentinel is re-checked.
	readyPollInterval = 2 * time.Second
)

// Config holds engine settings read once at startup.
type Config struct {
	WorkspaceRoot     string
	ArtifactsRoot     string
	MaxInstances      int
	PreserveArtifacts bool
	ArtifactPatterns  []string
	ReadyTimeout      time.Duration
	SendTimeout       time.Duration

	// HTTPToolURL is the orchestrator RPC endpoint written into Claude-style
	// tool config files.
	HTTPToolURL string
	// StdioToolCommand relaunches this binary as a stdio RPC endpoint for
	// Codex-style children.
	StdioToolCommand string
	StdioToolArgs    []string

	// CLI binary names, overridable for exotic installs.
	ClaudeCommand string
	CodexCommand  string

	// APIKey, when set, is injected into each CLI's launch environment
	// under the provider's expected variable name.
	APIKey string
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return oerr.New(oerr.InvalidArgument, "workspace root is required")
	}
	if c.ArtifactsRoot == "" {
		return oerr.New(oerr.InvalidArgument, "artifacts root is required")
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = DefaultMaxInstances
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ClaudeCommand == "" {
		c.ClaudeCommand = "claude"
	}
	if c.CodexCommand == "" {
		c.CodexCommand = "codex"
	}
	if len(c.ArtifactPatterns) == 0 {
		c.ArtifactPatterns = []string{"*.md", "*.patch", "*.diff", "*.json", "*.txt"}
	}
	return nil
}

// Engine spawns, drives, and terminates assistant instances.
type Engine struct {
	cfg     Config
	adapter tmux.Adapter
	writer  *typewriter.Writer
	reg     *registry.Registry
	bus     *bus.Bus
	journal *journal.Journal
	index   *journal.Index
	feed    *monitor.Feed
	now     func() time.Time
	sleep   func(time.Duration)

	mu      sync.Mutex
	owners  map[registry.ID]*owner
	preSend map[string]string
}

// New creates an engine. index may be nil when the instance index is
// disabled.
func New(cfg Config, adapter tmux.Adapter, reg *registry.Registry, b *bus.Bus, j *journal.Journal, idx *journal.Index, feed *monitor.Feed) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		adapter: adapter,
		writer:  typewriter.New(adapter),
		reg:     reg,
		bus:     b,
		journal: j,
		index:   idx,
		feed:    feed,
		now:     time.Now,
		sleep:   time.Sleep,
		owners:  make(map[registry.ID]*owner),
		preSend: make(map[string]string),
	}, nil
}

// owner serializes pane writes for one instance.
type owner struct {
	id     registry.ID
	pane   tmux.Pane
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	watcher *artifactWatcher
}

// SpawnRequest describes a new instance.
type SpawnRequest struct {
	Name          string
	Kind          registry.Kind
	Role          string
	ParentID      registry.ID
	InitialPrompt string
	Model         string
	WaitForReady  bool
}

// Spawn creates, configures, and launches a new assistant instance.
func (e *Engine) Spawn(ctx context.Context, req SpawnRequest) (registry.Snapshot, error) {
	if req.Kind != registry.KindClaude && req.Kind != registry.KindCodex {
		return registry.Snapshot{}, oerr.New(oerr.InvalidArgument, "unknown instance kind %q", req.Kind).
			WithHint(`kind must be "claude" or "codex"`)
	}
	if err := validateModel(req.Kind, req.Model); err != nil {
		return registry.Snapshot{}, err
	}
	if live := e.reg.CountLive(); live >= e.cfg.MaxInstances {
		return registry.Snapshot{}, oerr.New(oerr.CapacityExceeded,
			"%d instances running, cap is %d", live, e.cfg.MaxInstances).
			WithHint("terminate an instance or raise max_instances")
	}

	id := registry.NewID()
	name := req.Name
	if name == "" {
		name = "inst-" + string(id)[:8]
	}
	workDir := filepath.Join(e.cfg.WorkspaceRoot, string(id))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return registry.Snapshot{}, oerr.Wrap(oerr.SpawnFailed, err, "create workspace for %s", name)
	}

	inst := &registry.Instance{
		ID:            id,
		Name:          name,
		Kind:          req.Kind,
		Role:          req.Role,
		ParentID:      req.ParentID,
		WorkDir:       workDir,
		State:         registry.StateCreating,
		InitialPrompt: req.InitialPrompt,
	}
	if err := e.reg.Insert(inst); err != nil {
		_ = os.RemoveAll(workDir)
		return registry.Snapshot{}, err
	}

	snap, err := e.launch(ctx, inst, req)
	if err != nil {
		e.failSpawn(ctx, id, workDir, err)
		return registry.Snapshot{}, err
	}

	e.journal.Audit(journal.AuditEvent{
		Type:       journal.AuditSpawn,
		InstanceID: id,
		Name:       name,
		Kind:       string(req.Kind),
		Role:       req.Role,
		ParentID:   req.ParentID,
	})
	if e.index != nil {
		if err := e.index.RecordSpawn(snap); err != nil {
			log.ErrorErr(log.CatEngine, "record spawn in index", err, "id", id)
		}
	}
	log.Info(log.CatEngine, "instance spawned", "id", id, "name", name, "kind", req.Kind, "parent", req.ParentID)
	return snap, nil
}

// launch walks the instance from creating to running: pane creation, tool
// configuration, CLI launch, optional ready wait, owner start.
func (e *Engine) launch(ctx context.Context, inst *registry.Instance, req SpawnRequest) (registry.Snapshot, error) {
	session := "hivemux-" + string(inst.ID)[:8]
	pane, err := e.adapter.Create(ctx, session, inst.WorkDir)
	if err != nil {
		return registry.Snapshot{}, oerr.Wrap(oerr.SpawnFailed, err, "create pane for %s", inst.Name)
	}
	if err := e.reg.Update(inst.ID, func(i *registry.Instance) { i.Pane = pane }); err != nil {
		return registry.Snapshot{}, err
	}
	e.transition(inst.ID, registry.StateInitializing)

	if err := e.configureTools(ctx, inst, pane); err != nil {
		return registry.Snapshot{}, err
	}

	launchCmd := e.launchCommand(inst, req)
	if err := e.adapter.SendText(ctx, pane, launchCmd, true); err != nil {
		return registry.Snapshot{}, oerr.Wrap(oerr.SpawnFailed, err, "launch %s CLI for %s", inst.Kind, inst.Name)
	}

	if req.WaitForReady {
		if err := e.waitForReady(ctx, pane, inst.Kind); err != nil {
			return registry.Snapshot{}, err
		}
	}

	snap, err := e.transition(inst.ID, registry.StateRunning)
	if err != nil {
		return registry.Snapshot{}, err
	}
	e.startOwner(inst.ID, pane, inst.WorkDir)
	return snap, nil
}

// waitForReady polls the pane until the CLI's ready sentinel appears.
func (e *Engine) waitForReady(ctx context.Context, pane tmux.Pane, kind registry.Kind) error {
	deadline := e.now().Add(e.cfg.ReadyTimeout)
	for {
		out, err := e.adapter.CaptureScrollback(ctx, pane, 50)
		if err != nil {
			return oerr.Wrap(oerr.SpawnFailed, err, "capture during ready wait")
		}
		if isReady(kind, out) {
			return nil
		}
		if e.now().After(deadline) {
			return oerr.New(oerr.SpawnFailed, "CLI not ready after %s", e.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return oerr.Wrap(oerr.SpawnFailed, ctx.Err(), "ready wait cancelled")
		default:
		}
		e.sleep(readyPollInterval)
	}
}

// failSpawn moves a half-built instance to the error state and cleans up,
// including any pane created before the failure.
func (e *Engine) failSpawn(ctx context.Context, id registry.ID, workDir string, cause error) {
	log.ErrorErr(log.CatEngine, "spawn failed", cause, "id", id)
	if snap, err := e.reg.Get(id); err == nil {
		if snap.PaneSession != "" {
			if kerr := e.adapter.Kill(ctx, snap.Pane()); kerr != nil {
				log.ErrorErr(log.CatEngine, "kill pane of failed spawn", kerr, "id", id)
			}
		}
		if snap.State != registry.StateError {
			if _, terr := e.reg.Transition(id, registry.StateError); terr == nil {
				e.feed.StateChanged(id, snap.State, registry.StateError)
			}
		}
	}
	_ = os.RemoveAll(workDir)
}

// startOwner begins the instance's delivery goroutine and artifact watcher.
func (e *Engine) startOwner(id registry.ID, pane tmux.Pane, workDir string) {
	o := &owner{
		id:     id,
		pane:   pane,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if e.cfg.PreserveArtifacts {
		if w, err := watchArtifacts(workDir, e.cfg.ArtifactPatterns); err == nil {
			o.watcher = w
		} else {
			log.ErrorErr(log.CatEngine, "artifact watcher unavailable", err, "id", id)
		}
	}

	e.mu.Lock()
	e.owners[id] = o
	e.mu.Unlock()

	log.SafeGo("owner:"+string(id)[:8], func() { e.runOwner(o) })
}

func (e *Engine) runOwner(o *owner) {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case <-o.notify:
			for {
				env, ok := e.bus.Next(o.id)
				if !ok {
					break
				}
				e.deliverEnvelope(o, env)
			}
		}
	}
}

// deliverEnvelope writes one queued message into the pane.
func (e *Engine) deliverEnvelope(o *owner, env bus.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	payload := env.Content
	if env.ExpectsReply {
		// The pre-send capture anchors fallback polling: anything beyond it
		// is output produced after this message landed.
		pre, err := e.adapter.CaptureScrollback(ctx, o.pane, fallbackCaptureLines)
		if err == nil {
			e.mu.Lock()
			e.preSend[env.ID] = pre
			e.mu.Unlock()
		}
		payload = bus.Compose(env.ID, env.Content)
	}

	e.markBusy(o.id)
	if err := e.writer.Deliver(ctx, o.pane, payload); err != nil {
		log.ErrorErr(log.CatBus, "pane delivery failed", err, "id", o.id, "message", env.ID)
		e.bus.Cancel(env.ID, err)
		return
	}

	e.journal.LogComm(o.id, journal.CommRecord{
		Direction: journal.Sent,
		Peer:      env.From,
		MessageID: env.ID,
		Content:   env.Content,
		Tokens:    metrics.EstimateTokens(env.Content),
	})
	e.reg.Touch(o.id)
}

// SendRequest is one message to one instance.
type SendRequest struct {
	Target       string
	Content      string
	From         registry.ID
	WaitForReply bool
	Timeout      time.Duration
}

// SendResult reports the outcome of a Send.
type SendResult struct {
	MessageID    string
	InstanceID   registry.ID
	Reply        string
	ResponseTime time.Duration
	Delivered    bool
}

// Send queues a message for delivery and, when requested, waits for the
// correlated reply, falling back to a scrollback poll when the assistant
// never uses the explicit reply path.
func (e *Engine) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	snap, err := e.reg.Resolve(req.Target)
	if err != nil {
		return SendResult{}, err
	}
	if !snap.State.Live() {
		return SendResult{}, oerr.New(oerr.NotFound, "instance %s is terminated", snap.Name)
	}
	if req.Content == "" {
		return SendResult{}, oerr.New(oerr.InvalidArgument, "empty message content")
	}
	from := req.From
	if from == "" {
		from = registry.External
	}

	msgID := bus.NewMessageID()
	if err := e.bus.Deliver(bus.Envelope{
		ID:           msgID,
		From:         from,
		To:           snap.ID,
		Content:      req.Content,
		ExpectsReply: req.WaitForReply,
	}); err != nil {
		return SendResult{}, err
	}
	e.wake(snap.ID)

	if !req.WaitForReply {
		e.recordExchange(snap, from, msgID, req.Content, "", 0)
		return SendResult{MessageID: msgID, InstanceID: snap.ID, Delivered: true}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.SendTimeout
	}
	start := e.now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := e.bus.AwaitReply(waitCtx, msgID)
	if err != nil && oerr.Is(err, oerr.Timeout) {
		if text := e.fallbackPoll(ctx, snap.ID, msgID); text != "" {
			reply = bus.Reply{MessageID: msgID, From: snap.ID, Content: text, At: e.now()}
			err = nil
		}
	}
	e.clearPreSend(msgID)
	if err != nil {
		return SendResult{MessageID: msgID, InstanceID: snap.ID}, err
	}

	rt := e.now().Sub(start)
	e.recordExchange(snap, from, msgID, req.Content, reply.Content, rt)
	e.markIdle(snap.ID)
	return SendResult{
		MessageID:    msgID,
		InstanceID:   snap.ID,
		Reply:        reply.Content,
		ResponseTime: rt,
		Delivered:    true,
	}, nil
}

// Reply resolves an outstanding message on behalf of an instance. This is
// the explicit reply path assistants use by quoting the message tag.
func (e *Engine) Reply(messageID string, from registry.ID, content string) error {
	if err := e.bus.Reply(messageID, from, content); err != nil {
		return err
	}
	e.reg.Touch(from)
	return nil
}

// fallbackPoll captures fresh scrollback produced since the message was
// sent. Returns "" when nothing usable appeared.
func (e *Engine) fallbackPoll(ctx context.Context, id registry.ID, msgID string) string {
	o := e.ownerOf(id)
	if o == nil {
		return ""
	}
	e.mu.Lock()
	pre := e.preSend[msgID]
	e.mu.Unlock()

	cur, err := e.adapter.CaptureScrollback(ctx, o.pane, fallbackCaptureLines)
	if err != nil {
		log.ErrorErr(log.CatBus, "fallback capture failed", err, "id", id)
		return ""
	}
	fresh := bus.FreshOutput(pre, cur)
	text := stripEcho(fresh, msgID)
	if text != "" {
		log.Debug(log.CatBus, "fallback poll produced reply", "id", id, "message", msgID, "bytes", len(text))
	}
	return text
}

// stripEcho removes the echoed tagged prompt and input-box chrome from a
// fresh capture, leaving only assistant output.
func stripEcho(text, msgID string) string {
	tag := bus.Tag(msgID)
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.Contains(trimmed, tag) {
			continue
		}
		if strings.HasPrefix(trimmed, ">") || strings.HasPrefix(trimmed, "╭") ||
			strings.HasPrefix(trimmed, "│") || strings.HasPrefix(trimmed, "╰") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// recordExchange updates stats and writes journal, audit, and feed records
// for one send (and its reply when present).
func (e *Engine) recordExchange(snap registry.Snapshot, from registry.ID, msgID, sent, received string, rt time.Duration) {
	now := e.now()
	_ = e.reg.Update(snap.ID, func(i *registry.Instance) {
		i.Usage.Record(string(i.Kind), sent, received, now)
	})
	if received != "" {
		e.journal.LogComm(snap.ID, journal.CommRecord{
			Direction:      journal.Received,
			Peer:           from,
			MessageID:      msgID,
			Content:        received,
			Tokens:         metrics.EstimateTokens(received),
			ResponseTimeMS: rt.Milliseconds(),
		})
	}
	tokens := metrics.EstimateTokens(sent) + metrics.EstimateTokens(received)
	e.journal.Audit(journal.AuditEvent{
		Type:       journal.AuditExchange,
		InstanceID: snap.ID,
		From:       from,
		To:         snap.ID,
		MessageID:  msgID,
		Tokens:     tokens,
		CostUSD:    metrics.EstimateCost(string(snap.Kind), tokens),
	})
	e.feed.Exchange(from, snap.ID, msgID, tokens)
}

// TerminateRequest controls instance shutdown.
type TerminateRequest struct {
	Target string
	Force  bool
	Reason string
}

// Terminate shuts an instance down: artifacts are preserved, the pane is
// killed, the workspace removed, and the record retained.
func (e *Engine) Terminate(ctx context.Context, req TerminateRequest) error {
	snap, err := e.reg.Resolve(req.Target)
	if err != nil {
		return err
	}
	if snap.State == registry.StateTerminated {
		return nil
	}

	if _, err := e.transition(snap.ID, registry.StateTerminating); err != nil {
		return err
	}
	e.stopOwner(snap.ID)
	e.bus.Evict(snap.ID)

	e.persistFinalOutput(ctx, snap)
	if e.cfg.PreserveArtifacts {
		dest := filepath.Join(e.cfg.ArtifactsRoot, string(snap.ID))
		if n, err := preserveArtifacts(snap.WorkDir, dest, e.cfg.ArtifactPatterns, snap); err != nil {
			log.ErrorErr(log.CatEngine, "artifact preservation failed", err, "id", snap.ID)
		} else {
			log.Info(log.CatEngine, "artifacts preserved", "id", snap.ID, "files", n)
		}
	}

	if err := e.adapter.Kill(ctx, snap.Pane()); err != nil {
		if !req.Force {
			// One forced retry before giving up; the record still terminates.
			log.ErrorErr(log.CatEngine, "pane kill failed, forcing", err, "id", snap.ID)
			_ = e.adapter.Kill(ctx, snap.Pane())
		}
	}
	if err := os.RemoveAll(snap.WorkDir); err != nil {
		log.ErrorErr(log.CatEngine, "workspace removal failed", err, "id", snap.ID)
	}

	final, err := e.transition(snap.ID, registry.StateTerminated)
	if err != nil {
		return err
	}
	e.journal.Audit(journal.AuditEvent{
		Type:       journal.AuditTerminate,
		InstanceID: snap.ID,
		Name:       snap.Name,
		Reason:     req.Reason,
		Tokens:     final.Usage.Tokens,
		CostUSD:    final.Usage.CostUSD,
	})
	e.journal.CloseInstance(snap.ID)
	if e.index != nil && final.TerminatedAt != nil {
		if err := e.index.RecordTermination(snap.ID, *final.TerminatedAt, final.Usage); err != nil {
			log.ErrorErr(log.CatEngine, "record termination in index", err, "id", snap.ID)
		}
	}
	log.Info(log.CatEngine, "instance terminated", "id", snap.ID, "name", snap.Name)
	return nil
}

// persistFinalOutput appends the last scrollback to the instance's journal
// directory so get_output keeps working after termination.
func (e *Engine) persistFinalOutput(ctx context.Context, snap registry.Snapshot) {
	out, err := e.adapter.CaptureScrollback(ctx, snap.Pane(), fallbackCaptureLines)
	if err != nil {
		return
	}
	dir := e.journal.InstanceDir(snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(dir, "tmux_output.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(out)
}

// GetOutput returns a scrollback tail for a live instance, or the
// persisted capture for a terminated one.
func (e *Engine) GetOutput(ctx context.Context, target string, tailLines int) (string, error) {
	snap, err := e.reg.Resolve(target)
	if err != nil {
		return "", err
	}
	if tailLines <= 0 {
		tailLines = 100
	}
	if snap.State.Live() {
		out, err := e.adapter.CaptureScrollback(ctx, snap.Pane(), tailLines)
		if err != nil {
			return "", oerr.Wrap(oerr.PaneGone, err, "capture output of %s", snap.Name)
		}
		return out, nil
	}

	data, err := os.ReadFile(filepath.Join(e.journal.InstanceDir(snap.ID), "tmux_output.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", oerr.Wrap(oerr.Internal, err, "read persisted output of %s", snap.Name)
	}
	return tail(string(data), tailLines), nil
}

// LiveArtifacts lists the instance's current workspace files matching the
// artifact patterns, via the fsnotify watcher when available.
func (e *Engine) LiveArtifacts(id registry.ID) []string {
	if o := e.ownerOf(id); o != nil && o.watcher != nil {
		return o.watcher.List()
	}
	snap, err := e.reg.Get(id)
	if err != nil || !snap.State.Live() {
		return nil
	}
	files, _ := scanArtifacts(snap.WorkDir, e.cfg.ArtifactPatterns)
	return files
}

// Shutdown terminates every non-terminated instance and stops the engine.
// Error-state instances are included so their panes cannot outlive the
// orchestrator.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, snap := range e.reg.List(registry.Query{IncludeTerminated: true}) {
		if snap.State == registry.StateTerminated {
			continue
		}
		if err := e.Terminate(ctx, TerminateRequest{Target: string(snap.ID), Force: true, Reason: "orchestrator shutdown"}); err != nil {
			log.ErrorErr(log.CatEngine, "terminate on shutdown", err, "id", snap.ID)
		}
	}
}

func (e *Engine) wake(id registry.ID) {
	if o := e.ownerOf(id); o != nil {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) ownerOf(id registry.ID) *owner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[id]
}

func (e *Engine) stopOwner(id registry.ID) {
	e.mu.Lock()
	o := e.owners[id]
	delete(e.owners, id)
	e.mu.Unlock()
	if o == nil {
		return
	}
	close(o.stop)
	<-o.done
	if o.watcher != nil {
		o.watcher.Close()
	}
}

// transition moves the instance state and mirrors the change on the feed.
func (e *Engine) transition(id registry.ID, target registry.State) (registry.Snapshot, error) {
	before, err := e.reg.Get(id)
	if err != nil {
		return registry.Snapshot{}, err
	}
	snap, err := e.reg.Transition(id, target)
	if err != nil {
		return registry.Snapshot{}, err
	}
	e.feed.StateChanged(id, before.State, target)
	return snap, nil
}

func (e *Engine) markBusy(id registry.ID) {
	if snap, err := e.reg.Get(id); err == nil &&
		(snap.State == registry.StateRunning || snap.State == registry.StateIdle) {
		_, _ = e.transition(id, registry.StateBusy)
	}
}

func (e *Engine) markIdle(id registry.ID) {
	if snap, err := e.reg.Get(id); err == nil && snap.State == registry.StateBusy {
		_, _ = e.transition(id, registry.StateIdle)
	}
}

func (e *Engine) clearPreSend(msgID string) {
	e.mu.Lock()
	delete(e.preSend, msgID)
	e.mu.Unlock()
}

// tail returns the last n lines of text.
func tail(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
