// Package typewriter delivers message payloads into assistant panes as paced
// keystrokes. Assistant CLIs classify fast keystroke bursts as pasted content
// and hold it as non-submittable input; pacing every keystroke above the
// paste threshold makes the payload read as typed, so a single final submit
// key processes it.
package typewriter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/tmux"
)

// Pause tiers by total payload size. The assistant paste threshold is
// empirically 10-15ms; larger payloads get more headroom because terminal
// render latency grows with buffered input.
const (
	pauseSmall  = 10 * time.Millisecond
	pauseMedium = 15 * time.Millisecond
	pauseLarge  = 20 * time.Millisecond

	thresholdMedium = 1024
	thresholdLarge  = 3072

	// submitPause precedes the final submit key so the assistant's input
	// handler settles before submission.
	submitPause = 50 * time.Millisecond
)

// Sleeper pauses for the given duration. Injectable for tests.
type Sleeper func(d time.Duration)

// Writer streams payloads into panes with per-keystroke pacing.
type Writer struct {
	adapter tmux.Adapter
	sleep   Sleeper
	now     func() time.Time
}

// New creates a Writer using real wall-clock pacing.
func New(adapter tmux.Adapter) *Writer {
	return NewWithClock(adapter, time.Sleep, time.Now)
}

// NewWithClock creates a Writer with injectable sleep and clock functions.
func NewWithClock(adapter tmux.Adapter, sleep Sleeper, now func() time.Time) *Writer {
	return &Writer{adapter: adapter, sleep: sleep, now: now}
}

// PauseFor returns the per-keystroke pause for a payload of the given size.
func PauseFor(size int) time.Duration {
	switch {
	case size >= thresholdLarge:
		return pauseLarge
	case size >= thresholdMedium:
		return pauseMedium
	default:
		return pauseSmall
	}
}

// Deliver writes payload into the pane line by line, pausing after every
// keystroke, then submits once. The payload may contain newlines and be
// arbitrarily long; the assistant receives it as a single typed message.
//
// If the pane disappears mid-stream, Deliver aborts with a SendFailed error
// reporting the byte offset reached.
func (w *Writer) Deliver(ctx context.Context, pane tmux.Pane, payload string) error {
	start := w.now()
	pause := PauseFor(len(payload))
	lines := strings.Split(payload, "\n")

	keystrokes := 0
	offset := 0

	for i, line := range lines {
		if line != "" {
			if err := w.adapter.SendText(ctx, pane, line, false); err != nil {
				return w.sendErr(err, offset)
			}
			keystrokes++
			w.sleep(pause)
			offset += len(line)
		}
		// Inter-line boundary: a newline keystroke, never a submit.
		if i < len(lines)-1 {
			if err := w.adapter.SendKey(ctx, pane, tmux.KeyNewlineNoSubmit); err != nil {
				return w.sendErr(err, offset)
			}
			keystrokes++
			w.sleep(pause)
			offset++
		}
	}

	w.sleep(submitPause)
	if err := w.adapter.SendKey(ctx, pane, tmux.KeySubmit); err != nil {
		return w.sendErr(err, offset)
	}
	keystrokes++

	log.Debug(log.CatWriter, "Payload delivered",
		"bytes", len(payload),
		"lines", len(lines),
		"keystrokes", keystrokes,
		"pauseMs", pause.Milliseconds(),
		"wallMs", w.now().Sub(start).Milliseconds())
	return nil
}

func (w *Writer) sendErr(err error, offset int) error {
	if errors.Is(err, tmux.ErrPaneGone) {
		return oerr.Wrap(oerr.SendFailed, err, "pane write aborted at byte %d", offset)
	}
	return oerr.Wrap(oerr.SendFailed, err, "pane write failed at byte %d", offset)
}
