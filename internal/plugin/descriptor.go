// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
)

// State is a plugin lifecycle state.
type State string

// Lifecycle states.
const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
	StateUnloaded    State = "unloaded"
	StateFailed      State = "failed"
)

// States returns every lifecycle state in lifecycle order.
func States() []State {
	return []State{StateCreated, StateInitialized, StateStarted, StateStopped, StateUnloaded, StateFailed}
}

// allowed lists the forward transitions. Failed is reachable only before
// Started; Unloaded and Failed are terminal within a generation.
var allowed = map[State][]State{
	StateCreated:     {StateInitialized, StateFailed},
	StateInitialized: {StateStarted, StateFailed},
	StateStarted:     {StateStopped},
	StateStopped:     {StateUnloaded},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible in the current
// generation.
func (s State) Terminal() bool {
	return s == StateUnloaded || s == StateFailed
}

// Transition records a single state change.
type Transition struct {
	PluginID   string
	Generation int
	From       State
	To         State
	Reason     string
	At         time.Time
}

// Descriptor is the host's record of a plugin. Descriptors are never removed
// from the table.
type Descriptor struct {
	ID            string
	Name          string
	Version       string
	State         State
	Manifest      *Manifest
	Dir           string
	FailureReason string
	// Generation starts at 1 and increments on every reload.
	Generation int
	// Collectible is true when the plugin's current execution context was
	// opened with hot reload enabled.
	Collectible bool
	LoadedAt    time.Time
	History     []Transition
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithObserver registers fn to receive every transition after it is applied.
func WithObserver(fn func(Transition)) TableOption {
	return func(t *Table) {
		t.observers = append(t.observers, fn)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) {
		t.now = now
	}
}

// Table is the descriptor registry.
type Table struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	order       []string
	observers   []func(Transition)
	now         func() time.Time
}

// NewTable creates an empty descriptor table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		descriptors: make(map[string]*Descriptor),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a new descriptor in the Created state, or begins a new
// generation for an id whose current generation is terminal.
func (t *Table) Create(m *Manifest, dir string, collectible bool) (*Descriptor, error) {
	t.mu.Lock()
	d, exists := t.descriptors[m.ID]
	if exists && !d.State.Terminal() {
		t.mu.Unlock()
		return nil, oops.Code("PLUGIN_ALREADY_ACTIVE").
			With("plugin", m.ID).
			With("state", string(d.State)).
			Errorf("plugin %s is %s", m.ID, d.State)
	}

	from := State("")
	if !exists {
		d = &Descriptor{ID: m.ID}
		t.descriptors[m.ID] = d
		t.order = append(t.order, m.ID)
	} else {
		from = d.State
	}
	d.Name = m.Name
	d.Version = m.Version
	d.Manifest = m
	d.Dir = dir
	d.Collectible = collectible
	d.FailureReason = ""
	d.LoadedAt = time.Time{}
	d.Generation++
	d.State = StateCreated
	tr := t.record(d, from, StateCreated, "")
	snap := d.clone()
	t.mu.Unlock()

	t.notify(tr)
	return snap, nil
}

// CreateFailed registers a descriptor that never becomes loadable, recording
// reason. An existing active descriptor for the id is left untouched.
func (t *Table) CreateFailed(m *Manifest, dir, reason string) (*Descriptor, error) {
	if _, err := t.Create(m, dir, false); err != nil {
		return nil, err
	}
	return t.Fail(m.ID, reason)
}

// Transition moves id to state to.
func (t *Table) Transition(id string, to State, reason string) (*Descriptor, error) {
	t.mu.Lock()
	d, ok := t.descriptors[id]
	if !ok {
		t.mu.Unlock()
		return nil, oops.Code("PLUGIN_NOT_FOUND").With("plugin", id).Errorf("no descriptor for %s", id)
	}
	if !CanTransition(d.State, to) {
		t.mu.Unlock()
		return nil, oops.Code("INVALID_TRANSITION").
			With("plugin", id).
			With("from", string(d.State)).
			With("to", string(to)).
			Errorf("cannot move %s from %s to %s", id, d.State, to)
	}

	from := d.State
	d.State = to
	switch to {
	case StateFailed:
		d.FailureReason = reason
	case StateStarted:
		d.LoadedAt = t.now()
	}
	tr := t.record(d, from, to, reason)
	snap := d.clone()
	t.mu.Unlock()

	t.notify(tr)
	return snap, nil
}

// Fail moves id to Failed with reason.
func (t *Table) Fail(id, reason string) (*Descriptor, error) {
	return t.Transition(id, StateFailed, reason)
}

// Get returns a copy of the descriptor for id.
func (t *Table) Get(id string) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.descriptors[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// List returns copies of all descriptors in first-registration order.
func (t *Table) List() []*Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Descriptor, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.descriptors[id].clone())
	}
	return out
}

// InState returns the ids currently in state s, sorted.
func (t *Table) InState(s State) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, d := range t.descriptors {
		if d.State == s {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of descriptors per state.
func (t *Table) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[State]int)
	for _, d := range t.descriptors {
		out[d.State]++
	}
	return out
}

func (t *Table) record(d *Descriptor, from, to State, reason string) Transition {
	tr := Transition{
		PluginID:   d.ID,
		Generation: d.Generation,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         t.now(),
	}
	d.History = append(d.History, tr)
	return tr
}

func (t *Table) notify(tr Transition) {
	for _, fn := range t.observers {
		fn(tr)
	}
}

func (d *Descriptor) clone() *Descriptor {
	c := *d
	c.History = append([]Transition(nil), d.History...)
	return &c
}
