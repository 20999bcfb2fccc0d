// Package supervisor periodically evaluates the instance network: it
// mines pane transcripts for progress signals, classifies each instance,
// and issues bounded interventions through the message bus. It has no
// privileged pane access beyond read-only transcript capture.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/bus"
	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/monitor"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/orchestration/transcript"
)

// Defaults for the evaluation loop and intervention policy.
const (
	DefaultInterval      = 30 * time.Second
	StuckThreshold       = 300 * time.Second
	WaitingThreshold     = 120 * time.Second
	ErrorLoopThreshold   = 3
	ErrorLoopWindow      = 5 * time.Minute
	InterventionCooldown = 60 * time.Second
	MaxInterventions     = 3

	captureLines = 200
)

// Actor is the source id stamped on supervisor-originated messages.
const Actor = registry.ID("supervisor")

// Classification is a progress state assigned to an instance.
type Classification string

const (
	Healthy   Classification = "healthy"
	Active    Classification = "active"
	Idle      Classification = "idle"
	Waiting   Classification = "waiting"
	Stuck     Classification = "stuck"
	Degraded  Classification = "degraded"
	ErrorLoop Classification = "error-loop"
)

// Progress is the supervisor's per-instance snapshot.
type Progress struct {
	InstanceID         registry.ID    `json:"instance_id"`
	Classification     Classification `json:"classification"`
	LastSignalKind     SignalKind     `json:"last_signal_kind,omitempty"`
	LastSignalAt       time.Time      `json:"last_signal_at"`
	ToolUses           int            `json:"tool_uses"`
	Errors             int            `json:"errors"`
	Interventions      int            `json:"interventions"`
	LastInterventionAt time.Time      `json:"last_intervention_at"`
	Escalated          bool           `json:"escalated"`

	parser           *transcript.Parser
	errorTimes       []time.Time
	stuckCycles      int
	errorLoopProbed  bool
	deadlockSignaled time.Time
}

// Engine is the surface the supervisor drives. Interventions go through
// the same send path as everything else.
type Engine interface {
	Send(ctx context.Context, req engine.SendRequest) (engine.SendResult, error)
	Spawn(ctx context.Context, req engine.SpawnRequest) (registry.Snapshot, error)
	GetOutput(ctx context.Context, target string, tailLines int) (string, error)
}

// Supervisor evaluates the network on a fixed interval.
type Supervisor struct {
	reg      *registry.Registry
	eng      Engine
	bus      *bus.Bus
	feed     *monitor.Feed
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	snaps map[registry.ID]*Progress

	stop chan struct{}
	done chan struct{}
}

// New creates a supervisor with the default interval.
func New(reg *registry.Registry, eng Engine, b *bus.Bus, feed *monitor.Feed) *Supervisor {
	return NewWithClock(reg, eng, b, feed, DefaultInterval, time.Now)
}

// NewWithClock creates a supervisor with injectable interval and clock.
func NewWithClock(reg *registry.Registry, eng Engine, b *bus.Bus, feed *monitor.Feed, interval time.Duration, now func() time.Time) *Supervisor {
	return &Supervisor{
		reg:      reg,
		eng:      eng,
		bus:      b,
		feed:     feed,
		interval: interval,
		now:      now,
		snaps:    make(map[registry.ID]*Progress),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic evaluation loop.
func (s *Supervisor) Start(ctx context.Context) {
	log.SafeGo("supervisor", func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evaluate(ctx)
			}
		}
	})
}

// Stop halts the loop and waits for the current sweep to finish.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
}

// Snapshots returns a copy of every instance's progress snapshot.
func (s *Supervisor) Snapshots() []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Progress, 0, len(s.snaps))
	for _, p := range s.snaps {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Evaluate runs one sweep: capture, classify, intervene. Per-instance
// errors are recorded and skipped, never fatal to the sweep.
func (s *Supervisor) Evaluate(ctx context.Context) {
	instances := s.reg.List(registry.Query{})
	for _, snap := range instances {
		if snap.State != registry.StateRunning && snap.State != registry.StateBusy && snap.State != registry.StateIdle {
			continue
		}
		s.evaluateInstance(ctx, snap)
	}
	s.detectDeadlock(ctx)
	s.pruneTerminated()
	s.feed.Health(map[string]any{"instances": len(instances)})
}

func (s *Supervisor) evaluateInstance(ctx context.Context, snap registry.Snapshot) {
	prog := s.progressFor(snap)

	out, err := s.eng.GetOutput(ctx, string(snap.ID), captureLines)
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "transcript capture failed", err, "id", snap.ID)
		return
	}

	now := s.now()
	for _, ev := range prog.parser.Parse(out) {
		switch ev.Kind {
		case transcript.ToolCall:
			prog.ToolUses++
			prog.LastSignalKind = SignalToolUse
			prog.LastSignalAt = now
		case transcript.AssistantText, transcript.UserText:
			sig, ok := classifyLine(ev.Text, now)
			if !ok {
				continue
			}
			prog.LastSignalKind = sig.Kind
			prog.LastSignalAt = now
			if sig.Kind == SignalError {
				prog.Errors++
				prog.errorTimes = append(prog.errorTimes, now)
			}
		case transcript.ToolResult:
			if ev.IsError {
				prog.Errors++
				prog.errorTimes = append(prog.errorTimes, now)
				prog.LastSignalKind = SignalError
				prog.LastSignalAt = now
			}
		}
	}
	prog.trimErrorWindow(now)

	previous := prog.Classification
	prog.Classification = s.classify(prog, snap, now)
	if prog.Classification != Stuck {
		prog.stuckCycles = 0
	}
	if prog.Classification != ErrorLoop {
		prog.errorLoopProbed = false
	}

	if prog.Classification != previous {
		log.Info(log.CatSupervisor, "classification changed",
			"id", snap.ID, "from", previous, "to", prog.Classification)
	}
	s.feed.Progress(snap.ID, string(prog.Classification), map[string]any{
		"tool_uses":     prog.ToolUses,
		"errors":        prog.Errors,
		"interventions": prog.Interventions,
	})

	s.intervene(ctx, snap, prog)
}

// classify maps the mined signals to one of the seven progress states.
func (s *Supervisor) classify(prog *Progress, snap registry.Snapshot, now time.Time) Classification {
	lastSignal := prog.LastSignalAt
	if lastSignal.IsZero() {
		lastSignal = snap.CreatedAt
	}
	sinceSignal := now.Sub(lastSignal)

	switch {
	case len(prog.errorTimes) >= ErrorLoopThreshold:
		return ErrorLoop
	case sinceSignal > StuckThreshold:
		return Stuck
	case prog.LastSignalKind == SignalCompletion && sinceSignal > WaitingThreshold:
		return Waiting
	case prog.LastSignalKind == SignalError || prog.LastSignalKind == SignalBlocked:
		return Degraded
	case prog.LastSignalKind == SignalActive || prog.LastSignalKind == SignalToolUse:
		return Active
	case snap.State == registry.StateIdle:
		return Idle
	default:
		return Healthy
	}
}

// intervene applies the bounded intervention policy for the instance's
// current classification.
func (s *Supervisor) intervene(ctx context.Context, snap registry.Snapshot, prog *Progress) {
	switch prog.Classification {
	case Stuck:
		s.interveneStuck(ctx, snap, prog)
	case Waiting:
		s.sendIntervention(ctx, snap, prog,
			"Standing by. Do you have results to report, or are you waiting for a new task?")
	case ErrorLoop:
		if prog.errorLoopProbed {
			return
		}
		if s.sendIntervention(ctx, snap, prog,
			"You appear to be hitting repeated errors. Summarize the last error and what you have tried so far.") {
			prog.errorLoopProbed = true
		}
	}
}

// interveneStuck escalates across cycles: status check, help offer,
// helper spawn, then escalation with no further action.
func (s *Supervisor) interveneStuck(ctx context.Context, snap registry.Snapshot, prog *Progress) {
	if prog.Escalated {
		return
	}
	if prog.Interventions >= MaxInterventions {
		prog.Escalated = true
		log.Warn(log.CatSupervisor, "instance escalated for external attention", "id", snap.ID)
		s.feed.Progress(snap.ID, string(Stuck), map[string]any{"escalated": true})
		return
	}
	if !s.cooldownElapsed(prog) {
		return
	}

	prog.stuckCycles++
	switch prog.stuckCycles {
	case 1:
		s.sendIntervention(ctx, snap, prog,
			"Status check: you have produced no output for a while. What are you working on?")
	case 2:
		s.sendIntervention(ctx, snap, prog,
			"You still appear stuck. Do you need help? Describe what is blocking you.")
	default:
		s.spawnHelper(ctx, snap, prog)
	}
}

// spawnHelper creates a debugger instance beside the stuck one and tells
// the original about it.
func (s *Supervisor) spawnHelper(ctx context.Context, snap registry.Snapshot, prog *Progress) {
	helper, err := s.eng.Spawn(ctx, engine.SpawnRequest{
		Name:     "helper-" + snap.Name,
		Kind:     snap.Kind,
		Role:     "debugger",
		ParentID: snap.ParentID,
		InitialPrompt: fmt.Sprintf(
			"Instance %q (id %s) appears stuck. Investigate its task and help it make progress.",
			snap.Name, snap.ID),
	})
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "helper spawn failed", err, "for", snap.ID)
		return
	}
	s.sendIntervention(ctx, snap, prog, fmt.Sprintf(
		"A helper instance %q has been spawned to assist you. Describe your current blocker to it.",
		helper.Name))
	log.Info(log.CatSupervisor, "helper spawned", "for", snap.ID, "helper", helper.ID)
}

// sendIntervention delivers one supervisor message, respecting the
// cooldown and cap. Reports whether a message went out.
func (s *Supervisor) sendIntervention(ctx context.Context, snap registry.Snapshot, prog *Progress, text string) bool {
	if prog.Escalated || prog.Interventions >= MaxInterventions || !s.cooldownElapsed(prog) {
		return false
	}
	_, err := s.eng.Send(ctx, engine.SendRequest{
		Target:  string(snap.ID),
		Content: text,
		From:    Actor,
	})
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "intervention send failed", err, "id", snap.ID)
		return false
	}
	prog.Interventions++
	prog.LastInterventionAt = s.now()
	log.Info(log.CatSupervisor, "intervention sent", "id", snap.ID, "count", prog.Interventions)
	return true
}

func (s *Supervisor) cooldownElapsed(prog *Progress) bool {
	return prog.LastInterventionAt.IsZero() ||
		s.now().Sub(prog.LastInterventionAt) >= InterventionCooldown
}

// detectDeadlock builds the wait-for graph from outstanding envelopes and
// signals one participant of any cycle: the one with the highest id.
func (s *Supervisor) detectDeadlock(ctx context.Context) {
	edges := make(map[registry.ID][]registry.ID)
	for _, env := range s.bus.Outstanding() {
		if env.From == "" || env.From == registry.External {
			continue
		}
		edges[env.From] = append(edges[env.From], env.To)
	}
	cycle := findCycle(edges)
	if len(cycle) == 0 {
		return
	}

	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}
	snap, err := s.reg.Get(victim)
	if err != nil {
		return
	}
	prog := s.progressFor(snap)
	if s.now().Sub(prog.deadlockSignaled) < InterventionCooldown {
		return
	}
	if s.sendIntervention(ctx, snap, prog,
		"Other instances are waiting on your reply and you may be waiting on them. Share your interim results now to break the cycle.") {
		prog.deadlockSignaled = s.now()
		log.Warn(log.CatSupervisor, "deadlock cycle signaled", "victim", victim, "cycle", len(cycle))
	}
}

// findCycle returns the nodes of one cycle in the graph, or nil.
func findCycle(edges map[registry.ID][]registry.ID) []registry.ID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[registry.ID]int)
	var stack []registry.ID
	var cycle []registry.ID

	var visit func(n registry.ID) bool
	visit = func(n registry.ID) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range edges[n] {
			if color[m] == gray {
				// Extract the cycle from the stack.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == m {
						break
					}
				}
				return true
			}
			if color[m] == white && visit(m) {
				return true
			}
		}
		color[n] = black
		stack = stack[:len(stack)-1]
		return false
	}

	nodes := make([]registry.ID, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

func (s *Supervisor) progressFor(snap registry.Snapshot) *Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog, ok := s.snaps[snap.ID]
	if !ok {
		prog = &Progress{
			InstanceID: snap.ID,
			parser:     transcript.New(PlainPatterns()),
		}
		s.snaps[snap.ID] = prog
	}
	return prog
}

// pruneTerminated drops snapshots for instances no longer in the registry
// or terminated.
func (s *Supervisor) pruneTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.snaps {
		snap, err := s.reg.Get(id)
		if err != nil || !snap.State.Live() {
			delete(s.snaps, id)
		}
	}
}

// trimErrorWindow drops error timestamps older than the loop window.
func (p *Progress) trimErrorWindow(now time.Time) {
	cutoff := now.Add(-ErrorLoopWindow)
	kept := p.errorTimes[:0]
	for _, t := range p.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.errorTimes = kept
}
