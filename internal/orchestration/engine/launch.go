package engine

import (
	"strings"

	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

// Codex-style CLIs reject the old chat-completion model names; catching
// them before spawn gives the caller a usable hint instead of a silent
// in-pane failure minutes later.
var codexLegacyModels = map[string]struct{}{
	"gpt-3.5-turbo": {},
	"gpt-4":         {},
	"gpt-4-turbo":   {},
	"gpt-4o":        {},
	"gpt-4o-mini":   {},
}

var codexValidModels = []string{"gpt-5-codex", "gpt-5", "o3", "o4-mini"}

func validateModel(kind registry.Kind, model string) error {
	if model == "" || kind != registry.KindCodex {
		return nil
	}
	if _, legacy := codexLegacyModels[model]; legacy {
		return oerr.New(oerr.InvalidArgument, "model %q is not supported by codex", model).
			WithHint("valid models: " + strings.Join(codexValidModels, ", "))
	}
	return nil
}

// Ready sentinels: text each CLI renders once its input prompt is live.
var readySentinels = map[registry.Kind][]string{
	registry.KindClaude: {"? for shortcuts", "Welcome to Claude"},
	registry.KindCodex:  {"OpenAI Codex", "Ctrl+J for newline"},
}

func isReady(kind registry.Kind, captured string) bool {
	for _, s := range readySentinels[kind] {
		if strings.Contains(captured, s) {
			return true
		}
	}
	return false
}

// apiKeyEnv names the environment variable each CLI's provider reads.
func apiKeyEnv(kind registry.Kind) string {
	if kind == registry.KindCodex {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

// launchCommand builds the shell command that starts the assistant CLI.
// The initial prompt travels as an argument, not keystrokes, so paste
// detection never applies to it. A configured API key rides along as an
// environment assignment so the pane's shell never persists it.
func (e *Engine) launchCommand(inst *registry.Instance, req SpawnRequest) string {
	cmd := e.cliInvocation(inst, req)
	if e.cfg.APIKey != "" {
		cmd = apiKeyEnv(inst.Kind) + "=" + shellQuote(e.cfg.APIKey) + " " + cmd
	}
	return cmd
}

func (e *Engine) cliInvocation(inst *registry.Instance, req SpawnRequest) string {
	switch inst.Kind {
	case registry.KindCodex:
		parts := []string{e.cfg.CodexCommand, "--dangerously-bypass-approvals-and-sandbox"}
		if req.Model != "" {
			parts = append(parts, "-m", req.Model)
		}
		prompt := req.InitialPrompt
		if prompt == "" {
			prompt = e.systemPrompt(inst)
		} else {
			prompt = e.systemPrompt(inst) + "\n\n" + prompt
		}
		parts = append(parts, shellQuote(prompt))
		return strings.Join(parts, " ")

	default: // claude
		parts := []string{
			e.cfg.ClaudeCommand,
			"--dangerously-skip-permissions",
			"--mcp-config", toolConfigFile,
			"--append-system-prompt", shellQuote(e.systemPrompt(inst)),
		}
		if req.Model != "" {
			parts = append(parts, "--model", req.Model)
		}
		if req.InitialPrompt != "" {
			parts = append(parts, shellQuote(req.InitialPrompt))
		}
		return strings.Join(parts, " ")
	}
}

// systemPrompt tells the assistant who it is and how to answer messages.
func (e *Engine) systemPrompt(inst *registry.Instance) string {
	var b strings.Builder
	b.WriteString("You are instance \"" + inst.Name + "\" (id " + string(inst.ID) + ")")
	if inst.Role != "" {
		b.WriteString(" with role \"" + inst.Role + "\"")
	}
	b.WriteString(" in a hivemux network. Incoming messages are prefixed with a tag like [MSG:<id>]. ")
	b.WriteString("To answer one, call the reply_to_caller tool with that message id and your answer. ")
	b.WriteString("You can spawn and message helper instances through the hivemux tools.")
	return b.String()
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
