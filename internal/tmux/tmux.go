// Package tmux abstracts the terminal multiplexer driving assistant CLIs.
// Each assistant runs inside a persistent detached tmux session; the adapter
// exposes the narrow pane surface the orchestrator needs: create, write text,
// send named keys, capture scrollback, kill.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/hivemux/internal/log"
)

// ErrPaneGone is returned when the underlying tmux session has exited.
var ErrPaneGone = errors.New("pane gone: tmux session has exited")

// Key is a named keystroke deliverable to a pane.
type Key string

const (
	// KeySubmit finalizes the current input line (Enter).
	KeySubmit Key = "Enter"
	// KeyNewlineNoSubmit inserts a newline without submitting (Shift+Enter).
	KeyNewlineNoSubmit Key = "S-Enter"
	// KeyEscape sends Escape, used to dismiss assistant menus.
	KeyEscape Key = "Escape"
	// KeyInterrupt sends Ctrl-C.
	KeyInterrupt Key = "C-c"
)

// Pane identifies one tmux session driving one assistant.
type Pane struct {
	Session string
}

// Adapter is the pane surface used by the instance engine and supervisor.
// All operations are synchronous and fail with ErrPaneGone if the underlying
// session has exited.
type Adapter interface {
	// Create starts a detached session rooted at workDir.
	Create(ctx context.Context, sessionName, workDir string) (Pane, error)
	// SendText writes raw text to the pane. When submit is true the text is
	// finalized with a submit key.
	SendText(ctx context.Context, pane Pane, text string, submit bool) error
	// SendKey sends one named keystroke.
	SendKey(ctx context.Context, pane Pane, key Key) error
	// CaptureScrollback returns a bounded tail of rendered output.
	CaptureScrollback(ctx context.Context, pane Pane, maxLines int) (string, error)
	// Kill terminates the session.
	Kill(ctx context.Context, pane Pane) error
	// Alive reports whether the session still exists.
	Alive(ctx context.Context, pane Pane) bool
}

// captureTTL bounds how long a scrollback capture is reused. Supervisor
// sweeps and fallback polls may capture the same pane in quick succession;
// anything fresher than this is indistinguishable at tmux render granularity.
const captureTTL = 250 * time.Millisecond

// Runner executes a tmux invocation and returns its stdout.
// It is a seam for tests; the default shells out to the tmux binary.
type Runner func(ctx context.Context, args ...string) (string, error)

// CLIAdapter drives tmux through its command-line interface.
type CLIAdapter struct {
	run      Runner
	captures *gocache.Cache
}

// NewCLIAdapter creates an adapter shelling out to the tmux binary.
func NewCLIAdapter() *CLIAdapter {
	return NewCLIAdapterWithRunner(defaultRunner)
}

// NewCLIAdapterWithRunner creates an adapter using a custom runner.
func NewCLIAdapterWithRunner(run Runner) *CLIAdapter {
	return &CLIAdapter{
		run:      run,
		captures: gocache.New(captureTTL, time.Minute),
	}
}

func defaultRunner(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isSessionGone(msg) {
			return "", ErrPaneGone
		}
		return "", fmt.Errorf("tmux %s: %s: %w", args[0], msg, err)
	}
	return stdout.String(), nil
}

// isSessionGone matches the tmux error variants for a missing session.
func isSessionGone(stderr string) bool {
	return strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "no server running")
}

// Create starts a detached session rooted at workDir.
func (a *CLIAdapter) Create(ctx context.Context, sessionName, workDir string) (Pane, error) {
	_, err := a.run(ctx, "new-session", "-d", "-s", sessionName, "-c", workDir)
	if err != nil {
		return Pane{}, fmt.Errorf("creating session %s: %w", sessionName, err)
	}
	log.Debug(log.CatTmux, "Session created", "session", sessionName, "workDir", workDir)
	return Pane{Session: sessionName}, nil
}

// SendText writes raw text to the pane using literal key interpretation.
func (a *CLIAdapter) SendText(ctx context.Context, pane Pane, text string, submit bool) error {
	if _, err := a.run(ctx, "send-keys", "-t", pane.Session, "-l", "--", text); err != nil {
		return err
	}
	a.invalidateCaptures(pane.Session)
	if submit {
		return a.SendKey(ctx, pane, KeySubmit)
	}
	return nil
}

// SendKey sends one named keystroke.
func (a *CLIAdapter) SendKey(ctx context.Context, pane Pane, key Key) error {
	if _, err := a.run(ctx, "send-keys", "-t", pane.Session, string(key)); err != nil {
		return err
	}
	a.invalidateCaptures(pane.Session)
	return nil
}

// invalidateCaptures drops cached captures for one session. A write changes
// what the pane renders, so any cached tail is stale.
func (a *CLIAdapter) invalidateCaptures(session string) {
	prefix := session + ":"
	for key := range a.captures.Items() {
		if strings.HasPrefix(key, prefix) {
			a.captures.Delete(key)
		}
	}
}

// CaptureScrollback returns up to maxLines of rendered output, newest last.
// Captures are cached briefly so supervisor sweeps do not hammer tmux.
func (a *CLIAdapter) CaptureScrollback(ctx context.Context, pane Pane, maxLines int) (string, error) {
	key := fmt.Sprintf("%s:%d", pane.Session, maxLines)
	if cached, ok := a.captures.Get(key); ok {
		return cached.(string), nil
	}

	out, err := a.run(ctx, "capture-pane", "-p", "-t", pane.Session, "-S", fmt.Sprintf("-%d", maxLines))
	if err != nil {
		return "", err
	}
	a.captures.Set(key, out, captureTTL)
	return out, nil
}

// Kill terminates the session. Killing an already-gone session is not an error.
func (a *CLIAdapter) Kill(ctx context.Context, pane Pane) error {
	_, err := a.run(ctx, "kill-session", "-t", pane.Session)
	if errors.Is(err, ErrPaneGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("killing session %s: %w", pane.Session, err)
	}
	log.Debug(log.CatTmux, "Session killed", "session", pane.Session)
	return nil
}

// Alive reports whether the session still exists.
func (a *CLIAdapter) Alive(ctx context.Context, pane Pane) bool {
	_, err := a.run(ctx, "has-session", "-t", pane.Session)
	return err == nil
}
