package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/tmux"
)

// toolConfigFile is the per-workspace tool config consumed by Claude-style
// CLIs.
const toolConfigFile = ".assistant_tools.json"

// ToolEndpoint describes one tool server entry. A URL entry is an HTTP
// endpoint; a Command entry is inferred as stdio.
type ToolEndpoint struct {
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// toolEndpoints returns the tool servers a new instance should reach.
// Claude-style instances prefer the shared HTTP endpoint (cross-process
// visibility); Codex-style instances can only use stdio.
func (e *Engine) toolEndpoints(kind registry.Kind) map[string]ToolEndpoint {
	eps := make(map[string]ToolEndpoint)
	if kind == registry.KindClaude && e.cfg.HTTPToolURL != "" {
		eps["hivemux"] = ToolEndpoint{URL: e.cfg.HTTPToolURL}
		return eps
	}
	if e.cfg.StdioToolCommand != "" {
		eps["hivemux"] = ToolEndpoint{Command: e.cfg.StdioToolCommand, Args: e.cfg.StdioToolArgs}
	} else if e.cfg.HTTPToolURL != "" {
		eps["hivemux"] = ToolEndpoint{URL: e.cfg.HTTPToolURL}
	}
	return eps
}

// configureTools prepares the assistant's tool transport before launch.
// The two CLI families need different disciplines: Claude-style reads a
// JSON file from the workspace; Codex-style takes in-pane registration
// commands before the CLI starts.
func (e *Engine) configureTools(ctx context.Context, inst *registry.Instance, pane tmux.Pane) error {
	eps := e.toolEndpoints(inst.Kind)
	if len(eps) == 0 {
		log.Warn(log.CatEngine, "no tool endpoints configured", "id", inst.ID)
		return nil
	}

	switch inst.Kind {
	case registry.KindCodex:
		return e.configureCodexTools(ctx, inst, pane, eps)
	default:
		return e.writeClaudeToolConfig(inst, eps)
	}
}

func (e *Engine) writeClaudeToolConfig(inst *registry.Instance, eps map[string]ToolEndpoint) error {
	data, err := json.MarshalIndent(eps, "", "  ")
	if err != nil {
		return oerr.Wrap(oerr.Internal, err, "encode tool config")
	}
	path := filepath.Join(inst.WorkDir, toolConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return oerr.Wrap(oerr.SpawnFailed, err, "write tool config for %s", inst.Name)
	}
	log.Debug(log.CatEngine, "tool config written", "id", inst.ID, "path", path)
	return nil
}

// configureCodexTools issues one `codex mcp add` per stdio entry into the
// pane. HTTP entries cannot be expressed and are skipped with a warning.
func (e *Engine) configureCodexTools(ctx context.Context, inst *registry.Instance, pane tmux.Pane, eps map[string]ToolEndpoint) error {
	names := make([]string, 0, len(eps))
	for name := range eps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ep := eps[name]
		if ep.Command == "" {
			log.Warn(log.CatEngine, "skipping http tool entry for codex instance", "id", inst.ID, "tool", name)
			continue
		}
		parts := []string{e.cfg.CodexCommand, "mcp", "add", name}
		envKeys := make([]string, 0, len(ep.Env))
		for k := range ep.Env {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)
		for _, k := range envKeys {
			parts = append(parts, "--env", k+"="+ep.Env[k])
		}
		parts = append(parts, "--", ep.Command)
		parts = append(parts, ep.Args...)

		if err := e.adapter.SendText(ctx, pane, strings.Join(parts, " "), true); err != nil {
			return oerr.Wrap(oerr.SpawnFailed, err, "register tool %s for %s", name, inst.Name)
		}
	}
	return nil
}
