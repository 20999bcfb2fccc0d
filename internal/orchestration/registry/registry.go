package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
)

// Query filters List results.
type Query struct {
	// IncludeTerminated also returns terminated and errored instances.
	IncludeTerminated bool
	// Kind restricts to one assistant kind when non-empty.
	Kind Kind
	// Role restricts to one role tag when non-empty.
	Role string
	// ParentID restricts to direct children of the given instance.
	ParentID ID
}

// Registry is the instance record store. All methods are safe for
// concurrent use. Records for terminated instances are retained until
// purged so history queries keep working.
type Registry struct {
	mu       sync.RWMutex
	byID     map[ID]*Instance
	byName   map[string]ID
	children map[ID][]ID
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock creates a registry with an injectable clock.
func NewWithClock(now func() time.Time) *Registry {
	return &Registry{
		byID:     make(map[ID]*Instance),
		byName:   make(map[string]ID),
		children: make(map[ID][]ID),
		now:      now,
	}
}

// Insert registers a new instance record. Names must be unique among
// live instances; a terminated holder of the name is displaced from the
// name index but keeps its record.
func (r *Registry) Insert(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[inst.ID]; exists {
		return oerr.New(oerr.Internal, "instance %s already registered", inst.ID)
	}
	if prev, taken := r.byName[inst.Name]; taken {
		if r.byID[prev].State.Live() {
			return oerr.New(oerr.InvalidArgument, "name %q already in use by instance %s", inst.Name, prev).
				WithHint("terminate the existing instance or choose another name")
		}
	}

	now := r.now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.LastActivityAt = now

	r.byID[inst.ID] = inst
	r.byName[inst.Name] = inst.ID
	if inst.ParentID != "" && inst.ParentID != External {
		r.children[inst.ParentID] = append(r.children[inst.ParentID], inst.ID)
	}

	log.Debug(log.CatEngine, "instance registered",
		"id", inst.ID, "name", inst.Name, "kind", inst.Kind, "parent", inst.ParentID)
	return nil
}

// Get returns a snapshot of the instance.
func (r *Registry) Get(id ID) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.byID[id]
	if !ok {
		return Snapshot{}, oerr.New(oerr.NotFound, "no instance %s", id)
	}
	return inst.Snapshot(), nil
}

// Resolve looks an instance up by ID or by name, in that order.
func (r *Registry) Resolve(ref string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.byID[ID(ref)]; ok {
		return inst.Snapshot(), nil
	}
	if id, ok := r.byName[ref]; ok {
		return r.byID[id].Snapshot(), nil
	}
	return Snapshot{}, oerr.New(oerr.NotFound, "no instance %q", ref).
		WithHint("list instances to see valid ids and names")
}

// Update applies fn to the live record under the registry lock.
// fn must not block or call back into the registry.
func (r *Registry) Update(id ID, fn func(*Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return oerr.New(oerr.NotFound, "no instance %s", id)
	}
	fn(inst)
	return nil
}

// Transition moves the instance to the target state, enforcing the
// lifecycle machine. It returns the resulting snapshot.
func (r *Registry) Transition(id ID, target State) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return Snapshot{}, oerr.New(oerr.NotFound, "no instance %s", id)
	}
	if !inst.State.CanTransitionTo(target) {
		return Snapshot{}, oerr.New(oerr.Internal,
			"instance %s: illegal transition %s -> %s", id, inst.State, target)
	}

	from := inst.State
	inst.State = target
	inst.LastActivityAt = r.now()
	if target == StateTerminated {
		t := r.now()
		inst.TerminatedAt = &t
	}

	log.Info(log.CatEngine, "instance state changed", "id", id, "from", from, "to", target)
	return inst.Snapshot(), nil
}

// Touch bumps the instance's activity timestamp.
func (r *Registry) Touch(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.byID[id]; ok {
		inst.LastActivityAt = r.now()
	}
}

// List returns snapshots matching the query, ordered by creation time.
func (r *Registry) List(q Query) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, inst := range r.byID {
		if !q.IncludeTerminated && !inst.State.Live() {
			continue
		}
		if q.Kind != "" && inst.Kind != q.Kind {
			continue
		}
		if q.Role != "" && inst.Role != q.Role {
			continue
		}
		if q.ParentID != "" && inst.ParentID != q.ParentID {
			continue
		}
		out = append(out, inst.Snapshot())
	}
	sortSnapshots(out)
	return out
}

// Children returns direct children of the instance, in spawn order.
func (r *Registry) Children(id ID, includeTerminated bool) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.childrenLocked(id, includeTerminated)
}

// Descendants returns the full subtree below the instance, depth-first
// in spawn order, not including the instance itself.
func (r *Registry) Descendants(id ID, includeTerminated bool) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	var walk func(ID)
	walk = func(parent ID) {
		for _, child := range r.childrenLocked(parent, includeTerminated) {
			out = append(out, child)
			walk(child.ID)
		}
	}
	walk(id)
	return out
}

func (r *Registry) childrenLocked(id ID, includeTerminated bool) []Snapshot {
	var out []Snapshot
	for _, childID := range r.children[id] {
		child, ok := r.byID[childID]
		if !ok {
			continue
		}
		if !includeTerminated && !child.State.Live() {
			continue
		}
		out = append(out, child.Snapshot())
	}
	return out
}

// CountLive returns the number of instances in a live state.
func (r *Registry) CountLive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, inst := range r.byID {
		if inst.State.Live() {
			n++
		}
	}
	return n
}

// Purge removes records for instances terminated before the cutoff.
// Live instances are never purged.
func (r *Registry) Purge(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, inst := range r.byID {
		if inst.State.Live() || inst.TerminatedAt == nil || !inst.TerminatedAt.Before(before) {
			continue
		}
		delete(r.byID, id)
		if r.byName[inst.Name] == id {
			delete(r.byName, inst.Name)
		}
		if inst.ParentID != "" {
			r.children[inst.ParentID] = removeID(r.children[inst.ParentID], id)
		}
		delete(r.children, id)
		removed++
	}
	if removed > 0 {
		log.Debug(log.CatEngine, "purged terminated instances", "count", removed)
	}
	return removed
}

func removeID(ids []ID, id ID) []ID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}
