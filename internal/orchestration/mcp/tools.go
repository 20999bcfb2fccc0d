package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/hivemux/internal/orchestration"
	"github.com/zjrosen/hivemux/internal/orchestration/bus"
	"github.com/zjrosen/hivemux/internal/orchestration/coordinator"
	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/journal"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/orchestration/supervisor"
)

// API is the orchestrator surface the tool set binds to. Satisfied by
// *orchestration.Orchestrator.
type API interface {
	Spawn(ctx context.Context, req engine.SpawnRequest) (registry.Snapshot, error)
	Terminate(ctx context.Context, req engine.TerminateRequest) error
	Send(ctx context.Context, req engine.SendRequest) (engine.SendResult, error)
	Reply(messageID string, from registry.ID, content string) error
	ListInstances(q registry.Query) []registry.Snapshot
	GetInstance(ref string) (registry.Snapshot, error)
	Children(ref string, includeTerminated bool) ([]registry.Snapshot, error)
	Descendants(ref string, includeTerminated bool) ([]registry.Snapshot, error)
	GetOutput(ctx context.Context, target string, tailLines int) (string, error)
	Interrupt(ctx context.Context, ref string) error
	LiveArtifacts(ref string) ([]string, error)
	ReadArtifact(ref, relPath string) (string, error)
	Broadcast(ctx context.Context, parent, payload string, from registry.ID) ([]coordinator.BroadcastResult, error)
	Coordinate(ctx context.Context, req coordinator.CoordinateRequest) (coordinator.CoordinateResult, error)
	CollectTeamArtifacts(teamRoot string) (coordinator.Manifest, error)
	ProgressSnapshots() []supervisor.Progress
	QueueDepth(ref string) (int, error)
	OutstandingReplies() []bus.Envelope
	Usage() orchestration.UsageSummary
	CommunicationLog(ref string, limit int) ([]journal.CommRecord, error)
	GetStatus() orchestration.Status
}

// Instructions is the guidance sent to clients during initialization.
const Instructions = `Orchestrate a network of assistant instances. Spawn instances with
spawn_instance, message them with send_message, and answer messages tagged
[MSG:<id>] with reply_to_caller. Instances referenced by "target" accept
either the instance id or its unique name.`

// failure renders an orchestration error as a tool result the calling
// assistant can read, including the remediation hint when present.
func failure(err error) (*ToolCallResult, error) {
	msg := err.Error()
	if hint := oerr.HintOf(err); hint != "" {
		msg = fmt.Sprintf("%s (hint: %s)", msg, hint)
	}
	return ErrorResult(msg), nil
}

func obj(props map[string]*PropertySchema, required ...string) *InputSchema {
	return &InputSchema{Type: "object", Properties: props, Required: required}
}

func str(desc string) *PropertySchema { return &PropertySchema{Type: "string", Description: desc} }
func num(desc string) *PropertySchema { return &PropertySchema{Type: "number", Description: desc} }
func boolp(desc string) *PropertySchema {
	return &PropertySchema{Type: "boolean", Description: desc}
}

func strList(desc string) *PropertySchema {
	return &PropertySchema{Type: "array", Description: desc, Items: &PropertySchema{Type: "string"}}
}

func parse[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, oerr.New(oerr.InvalidArgument, "bad tool arguments: %v", err)
	}
	return v, nil
}

// RegisterAll binds the complete tool set to the server. Both transports
// see the same registrations.
func RegisterAll(s *Server, api API) {
	registerLifecycleTools(s, api)
	registerMessagingTools(s, api)
	registerCoordinationTools(s, api)
	registerArtifactTools(s, api)
	registerObservabilityTools(s, api)
}

func registerLifecycleTools(s *Server, api API) {
	s.RegisterTool(Tool{
		Name:        "spawn_instance",
		Description: "Create and launch a new assistant instance in its own tmux session and workspace.",
		InputSchema: obj(map[string]*PropertySchema{
			"name":           str("Unique name for the instance; generated when omitted"),
			"kind":           {Type: "string", Description: "Assistant CLI family", Enum: []string{"claude", "codex"}},
			"role":           str("Free-form role tag, e.g. general or debugger"),
			"parent_id":      str("Instance id of the spawning parent, if any"),
			"initial_prompt": str("Prompt delivered at launch"),
			"model":          str("Model override passed to the CLI"),
			"wait_for_ready": boolp("Block until the CLI prints its ready sentinel"),
		}, "kind"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Name          string `json:"name"`
			Kind          string `json:"kind"`
			Role          string `json:"role"`
			ParentID      string `json:"parent_id"`
			InitialPrompt string `json:"initial_prompt"`
			Model         string `json:"model"`
			WaitForReady  bool   `json:"wait_for_ready"`
		}](args)
		if err != nil {
			return failure(err)
		}
		snap, err := api.Spawn(ctx, engine.SpawnRequest{
			Name:          a.Name,
			Kind:          registry.Kind(a.Kind),
			Role:          a.Role,
			ParentID:      registry.ID(a.ParentID),
			InitialPrompt: a.InitialPrompt,
			Model:         a.Model,
			WaitForReady:  a.WaitForReady,
		})
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("Spawned %s instance %q (%s)", snap.Kind, snap.Name, snap.ID), snap), nil
	})

	s.RegisterTool(Tool{
		Name:        "terminate_instance",
		Description: "Terminate an instance: preserve its artifacts, kill its pane, delete its workspace, keep its record.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
			"force":  boolp("Kill the pane even if graceful shutdown fails"),
			"reason": str("Recorded in the audit trail"),
		}, "target"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
			Force  bool   `json:"force"`
			Reason string `json:"reason"`
		}](args)
		if err != nil {
			return failure(err)
		}
		if err := api.Terminate(ctx, engine.TerminateRequest{Target: a.Target, Force: a.Force, Reason: a.Reason}); err != nil {
			return failure(err)
		}
		return SuccessResult(fmt.Sprintf("Terminated %s", a.Target)), nil
	})

	s.RegisterTool(Tool{
		Name:        "list_instances",
		Description: "List instances, optionally filtered by kind, role, or parent.",
		InputSchema: obj(map[string]*PropertySchema{
			"include_terminated": boolp("Include terminated records"),
			"kind":               str("Filter by assistant kind"),
			"role":               str("Filter by role tag"),
			"parent_id":          str("Filter by parent instance id"),
		}),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			IncludeTerminated bool   `json:"include_terminated"`
			Kind              string `json:"kind"`
			Role              string `json:"role"`
			ParentID          string `json:"parent_id"`
		}](args)
		if err != nil {
			return failure(err)
		}
		snaps := api.ListInstances(registry.Query{
			IncludeTerminated: a.IncludeTerminated,
			Kind:              registry.Kind(a.Kind),
			Role:              a.Role,
			ParentID:          registry.ID(a.ParentID),
		})
		return StructuredResult(fmt.Sprintf("%d instances", len(snaps)), snaps), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_instance",
		Description: "Fetch one instance record by id or name.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
		}](args)
		if err != nil {
			return failure(err)
		}
		snap, err := api.GetInstance(a.Target)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%s (%s) state=%s", snap.Name, snap.ID, snap.State), snap), nil
	})

	s.RegisterTool(Tool{
		Name:        "list_children",
		Description: "List the direct children of an instance.",
		InputSchema: obj(map[string]*PropertySchema{
			"target":             str("Instance id or name"),
			"include_terminated": boolp("Include terminated children"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target            string `json:"target"`
			IncludeTerminated bool   `json:"include_terminated"`
		}](args)
		if err != nil {
			return failure(err)
		}
		snaps, err := api.Children(a.Target, a.IncludeTerminated)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%d children", len(snaps)), snaps), nil
	})

	s.RegisterTool(Tool{
		Name:        "list_descendants",
		Description: "List the full subtree spawned below an instance, depth-first.",
		InputSchema: obj(map[string]*PropertySchema{
			"target":             str("Instance id or name"),
			"include_terminated": boolp("Include terminated descendants"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target            string `json:"target"`
			IncludeTerminated bool   `json:"include_terminated"`
		}](args)
		if err != nil {
			return failure(err)
		}
		snaps, err := api.Descendants(a.Target, a.IncludeTerminated)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%d descendants", len(snaps)), snaps), nil
	})

	s.RegisterTool(Tool{
		Name:        "interrupt_instance",
		Description: "Send Ctrl+C to a live instance's pane to abort its current action.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
		}, "target"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
		}](args)
		if err != nil {
			return failure(err)
		}
		if err := api.Interrupt(ctx, a.Target); err != nil {
			return failure(err)
		}
		return SuccessResult(fmt.Sprintf("Interrupted %s", a.Target)), nil
	})
}

func registerMessagingTools(s *Server, api API) {
	s.RegisterTool(Tool{
		Name:        "send_message",
		Description: "Deliver a message to an instance. With wait_for_reply the call blocks for the tagged reply, falling back to fresh pane output on timeout.",
		InputSchema: obj(map[string]*PropertySchema{
			"target":          str("Instance id or name"),
			"content":         str("Message text"),
			"from":            str("Sender instance id; defaults to external"),
			"wait_for_reply":  boolp("Block until the instance replies"),
			"timeout_seconds": num("Reply deadline in seconds"),
		}, "target", "content"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target         string  `json:"target"`
			Content        string  `json:"content"`
			From           string  `json:"from"`
			WaitForReply   bool    `json:"wait_for_reply"`
			TimeoutSeconds float64 `json:"timeout_seconds"`
		}](args)
		if err != nil {
			return failure(err)
		}
		res, err := api.Send(ctx, engine.SendRequest{
			Target:       a.Target,
			Content:      a.Content,
			From:         registry.ID(a.From),
			WaitForReply: a.WaitForReply,
			Timeout:      time.Duration(a.TimeoutSeconds * float64(time.Second)),
		})
		if err != nil {
			return failure(err)
		}
		text := fmt.Sprintf("Delivered to %s", a.Target)
		if a.WaitForReply {
			text = res.Reply
		}
		return StructuredResult(text, res), nil
	})

	s.RegisterTool(Tool{
		Name:        "reply_to_caller",
		Description: "Answer a message you received tagged [MSG:<id>]. Resolves the sender's wait.",
		InputSchema: obj(map[string]*PropertySchema{
			"message_id": str("The id from the [MSG:<id>] tag"),
			"content":    str("Reply text"),
			"from":       str("Your instance id"),
		}, "message_id", "content"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			MessageID string `json:"message_id"`
			Content   string `json:"content"`
			From      string `json:"from"`
		}](args)
		if err != nil {
			return failure(err)
		}
		if err := api.Reply(a.MessageID, registry.ID(a.From), a.Content); err != nil {
			return failure(err)
		}
		return SuccessResult("Reply delivered"), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_queue_depth",
		Description: "Report how many messages are queued for an instance.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
		}](args)
		if err != nil {
			return failure(err)
		}
		depth, err := api.QueueDepth(a.Target)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%d queued", depth), map[string]int{"depth": depth}), nil
	})

	s.RegisterTool(Tool{
		Name:        "list_outstanding_replies",
		Description: "List messages still waiting for a reply across the network.",
		InputSchema: obj(nil),
	}, func(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
		envs := api.OutstandingReplies()
		return StructuredResult(fmt.Sprintf("%d outstanding", len(envs)), envs), nil
	})
}

func registerCoordinationTools(s *Server, api API) {
	s.RegisterTool(Tool{
		Name:        "broadcast_to_children",
		Description: "Deliver a payload to every live child of a parent concurrently, fire-and-forget.",
		InputSchema: obj(map[string]*PropertySchema{
			"parent":  str("Parent instance id or name"),
			"payload": str("Message text"),
			"from":    str("Sender instance id; defaults to external"),
		}, "parent", "payload"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Parent  string `json:"parent"`
			Payload string `json:"payload"`
			From    string `json:"from"`
		}](args)
		if err != nil {
			return failure(err)
		}
		results, err := api.Broadcast(ctx, a.Parent, a.Payload, registry.ID(a.From))
		if err != nil {
			return failure(err)
		}
		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
			}
		}
		return StructuredResult(fmt.Sprintf("Delivered to %d/%d children", ok, len(results)), results), nil
	})

	s.RegisterTool(Tool{
		Name:        "coordinate",
		Description: "Run a payload across instances sequentially (each reply feeds the next), in parallel, or by consensus (majority reply wins).",
		InputSchema: obj(map[string]*PropertySchema{
			"targets":         strList("Instance ids or names, in order"),
			"mode":            {Type: "string", Description: "Coordination strategy", Enum: []string{"sequential", "parallel", "consensus"}},
			"payload":         str("Message text"),
			"timeout_seconds": num("Per-step reply deadline in seconds"),
			"from":            str("Sender instance id; defaults to external"),
		}, "targets", "mode", "payload"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Targets        []string `json:"targets"`
			Mode           string   `json:"mode"`
			Payload        string   `json:"payload"`
			TimeoutSeconds float64  `json:"timeout_seconds"`
			From           string   `json:"from"`
		}](args)
		if err != nil {
			return failure(err)
		}
		mode, err := coordinator.ParseMode(a.Mode)
		if err != nil {
			return failure(err)
		}
		res, err := api.Coordinate(ctx, coordinator.CoordinateRequest{
			Targets:        a.Targets,
			Mode:           mode,
			Payload:        a.Payload,
			PerStepTimeout: time.Duration(a.TimeoutSeconds * float64(time.Second)),
			From:           registry.ID(a.From),
		})
		if err != nil {
			return failure(err)
		}
		text := fmt.Sprintf("%d steps completed", len(res.Results))
		if res.Consensus != "" {
			text = "Consensus: " + res.Consensus
		}
		return StructuredResult(text, res), nil
	})

	s.RegisterTool(Tool{
		Name:        "collect_team_artifacts",
		Description: "Build the artifact manifest for a subtree: preserved directories for terminated members, live workspaces otherwise.",
		InputSchema: obj(map[string]*PropertySchema{
			"team_root": str("Root instance id or name of the team"),
		}, "team_root"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			TeamRoot string `json:"team_root"`
		}](args)
		if err != nil {
			return failure(err)
		}
		manifest, err := api.CollectTeamArtifacts(a.TeamRoot)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%d team members", len(manifest.Entries)), manifest), nil
	})
}

func registerArtifactTools(s *Server, api API) {
	s.RegisterTool(Tool{
		Name:        "list_artifacts",
		Description: "List the matched artifact files in a live instance's workspace.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
		}](args)
		if err != nil {
			return failure(err)
		}
		files, err := api.LiveArtifacts(a.Target)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%d artifacts", len(files)), files), nil
	})

	s.RegisterTool(Tool{
		Name:        "read_artifact",
		Description: "Read one artifact file from an instance's workspace, or its preserved directory after termination.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
			"path":   str("Workspace-relative file path"),
		}, "target", "path"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
			Path   string `json:"path"`
		}](args)
		if err != nil {
			return failure(err)
		}
		content, err := api.ReadArtifact(a.Target, a.Path)
		if err != nil {
			return failure(err)
		}
		return SuccessResult(content), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_output",
		Description: "Capture an instance's recent terminal output; preserved scrollback for terminated instances.",
		InputSchema: obj(map[string]*PropertySchema{
			"target":     str("Instance id or name"),
			"tail_lines": num("Number of trailing lines to return"),
		}, "target"),
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target    string  `json:"target"`
			TailLines float64 `json:"tail_lines"`
		}](args)
		if err != nil {
			return failure(err)
		}
		tail := int(a.TailLines)
		if tail <= 0 {
			tail = 100
		}
		out, err := api.GetOutput(ctx, a.Target, tail)
		if err != nil {
			return failure(err)
		}
		return SuccessResult(out), nil
	})
}

func registerObservabilityTools(s *Server, api API) {
	s.RegisterTool(Tool{
		Name:        "get_progress",
		Description: "Report the supervisor's per-instance progress classifications.",
		InputSchema: obj(nil),
	}, func(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
		snaps := api.ProgressSnapshots()
		return StructuredResult(fmt.Sprintf("%d tracked instances", len(snaps)), snaps), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_usage",
		Description: "Report one instance's estimated token and cost usage.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string `json:"target"`
		}](args)
		if err != nil {
			return failure(err)
		}
		snap, err := api.GetInstance(a.Target)
		if err != nil {
			return failure(err)
		}
		return StructuredResult(
			fmt.Sprintf("%d requests, %d tokens, %s", snap.Usage.Requests, snap.Usage.Tokens, snap.Usage.FormatCostDisplay()),
			snap.Usage), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_cost_summary",
		Description: "Aggregate estimated usage and cost across all instances.",
		InputSchema: obj(nil),
	}, func(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
		sum := api.Usage()
		return StructuredResult(
			fmt.Sprintf("%d instances (%d live), %d tokens, %s", sum.Instances, sum.Live, sum.Tokens, sum.CostDisplay),
			sum), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_communication_log",
		Description: "Read the most recent records from an instance's communication journal.",
		InputSchema: obj(map[string]*PropertySchema{
			"target": str("Instance id or name"),
			"limit":  num("Maximum records to return, newest last"),
		}, "target"),
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		a, err := parse[struct {
			Target string  `json:"target"`
			Limit  float64 `json:"limit"`
		}](args)
		if err != nil {
			return failure(err)
		}
		records, err := api.CommunicationLog(a.Target, int(a.Limit))
		if err != nil {
			return failure(err)
		}
		return StructuredResult(fmt.Sprintf("%d records", len(records)), records), nil
	})

	s.RegisterTool(Tool{
		Name:        "get_status",
		Description: "Summarize the orchestrator: instance counts by state, outstanding replies, usage, uptime.",
		InputSchema: obj(nil),
	}, func(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
		status := api.GetStatus()
		return StructuredResult(
			fmt.Sprintf("%d outstanding replies, uptime %ds", status.Outstanding, status.UptimeSeconds),
			status), nil
	})
}
