// Package registry provides the authoritative in-memory record of every
// live and recently-terminated assistant instance.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/hivemux/internal/orchestration/metrics"
	"github.com/zjrosen/hivemux/internal/tmux"
)

// ID uniquely identifies an instance for the life of the process.
type ID string

// NewID generates a new instance ID.
func NewID() ID {
	return ID(uuid.New().String())
}

// String returns the string form of the ID.
func (id ID) String() string { return string(id) }

// IsValid reports whether the ID parses as a UUID.
func (id ID) IsValid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// External is the source marker for messages originating outside the
// instance network (operator, UI, external RPC client).
const External ID = "external"

// Kind identifies the assistant CLI family driving an instance.
type Kind string

const (
	// KindClaude is a Claude-style CLI: supports both HTTP and stdio tool
	// transports, configured through a workspace tool config file.
	KindClaude Kind = "claude"
	// KindCodex is a Codex-style CLI: stdio tool transport only, configured
	// through in-pane commands before launch.
	KindCodex Kind = "codex"
)

// State is an instance lifecycle state.
type State string

const (
	StateCreating     State = "creating"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateBusy         State = "busy"
	StateIdle         State = "idle"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// transitions is the lifecycle state machine:
// creating -> initializing -> running -> (busy <-> idle) -> terminating ->
// terminated, with error terminal from creating or initializing.
var transitions = map[State][]State{
	StateCreating:     {StateInitializing, StateError, StateTerminating},
	StateInitializing: {StateRunning, StateError, StateTerminating},
	StateRunning:      {StateBusy, StateIdle, StateTerminating},
	StateBusy:         {StateIdle, StateRunning, StateTerminating},
	StateIdle:         {StateBusy, StateRunning, StateTerminating},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
	StateError:        {StateTerminating, StateTerminated},
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s State) CanTransitionTo(target State) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Live reports whether the state represents a running assistant.
func (s State) Live() bool {
	switch s {
	case StateCreating, StateInitializing, StateRunning, StateBusy, StateIdle:
		return true
	default:
		return false
	}
}

// Instance is one running (or recently-terminated) assistant.
// The engine exclusively owns the pane; the registry exclusively owns the
// record; parent/child links are weak references by ID.
type Instance struct {
	ID   ID
	Name string
	Kind Kind
	// Role is a free-form tag (e.g. "general", "debugger").
	Role string
	// ParentID is set when another instance spawned this one. It refers to
	// a record that existed at spawn time and may since have terminated.
	ParentID ID

	WorkDir       string
	Pane          tmux.Pane
	State         State
	InitialPrompt string

	Usage          metrics.Usage
	CreatedAt      time.Time
	LastActivityAt time.Time
	TerminatedAt   *time.Time
}

// Snapshot is a copy of an instance safe to hand to callers; mutating it
// does not affect the registry record.
type Snapshot struct {
	ID             ID            `json:"id"`
	Name           string        `json:"name"`
	Kind           Kind          `json:"kind"`
	Role           string        `json:"role"`
	ParentID       ID            `json:"parent_id,omitempty"`
	WorkDir        string        `json:"workdir"`
	PaneSession    string        `json:"pane_session,omitempty"`
	State          State         `json:"state"`
	Usage          metrics.Usage `json:"usage"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	TerminatedAt   *time.Time    `json:"terminated_at,omitempty"`
}

// Pane reconstructs the tmux pane handle from the snapshot.
func (s Snapshot) Pane() tmux.Pane {
	return tmux.Pane{Session: s.PaneSession}
}

// Snapshot copies the externally visible fields of the instance.
func (i *Instance) Snapshot() Snapshot {
	return Snapshot{
		ID:             i.ID,
		Name:           i.Name,
		Kind:           i.Kind,
		Role:           i.Role,
		ParentID:       i.ParentID,
		WorkDir:        i.WorkDir,
		PaneSession:    i.Pane.Session,
		State:          i.State,
		Usage:          i.Usage,
		CreatedAt:      i.CreatedAt,
		LastActivityAt: i.LastActivityAt,
		TerminatedAt:   i.TerminatedAt,
	}
}
