// Package state tracks the current state value of state atoms, keyed by
// each atom's primary-key projection, with nested ON/OFF counting and
// listener fan-out.
package state

import (
	"log/slog"
	"sync"

	"github.com/ashita-ai/keiryo/internal/model"
)

// Listener receives state-change notifications. Registration order is not
// significant; a listener may unregister itself during its own callback.
type Listener interface {
	OnStateChanged(eventTimeNs int64, atomID int32, primaryKey model.DimensionKey, oldState, newState int32)
}

type entry struct {
	key   model.DimensionKey
	state int32
	count int
}

// Tracker holds per-primary-key state for one state atom.
type Tracker struct {
	atomID int32
	def    *model.StateDef
	logger *slog.Logger

	states    map[string]*entry
	listeners map[Listener]struct{}
}

// NewTracker creates a tracker for the state atom described by def.
func NewTracker(def *model.StateDef, logger *slog.Logger) *Tracker {
	return &Tracker{
		atomID:    def.AtomID,
		def:       def,
		logger:    logger,
		states:    make(map[string]*entry),
		listeners: make(map[Listener]struct{}),
	}
}

// AtomID returns the tracked atom.
func (t *Tracker) AtomID() int32 { return t.atomID }

// RegisterListener adds a listener.
func (t *Tracker) RegisterListener(l Listener) {
	t.listeners[l] = struct{}{}
}

// UnregisterListener removes a listener.
func (t *Tracker) UnregisterListener(l Listener) {
	delete(t.listeners, l)
}

// StateValue returns the current state for the primary key, or
// model.StateUnknown when untracked.
func (t *Tracker) StateValue(primaryKey model.DimensionKey) int32 {
	if e, ok := t.states[primaryKey.Enc()]; ok {
		return e.state
	}
	return model.StateUnknown
}

// OnLogEvent applies one event of the tracked atom.
func (t *Tracker) OnLogEvent(ev *model.LogEvent) {
	eventTimeNs := ev.ElapsedNs

	primaryKey := t.primaryKey(ev)

	sv, ok := ev.ExclusiveStateValue()
	if !ok {
		t.logger.Debug("state: missing exclusive state field", "atom", t.atomID)
		t.clearPrimaryKey(eventTimeNs, primaryKey)
		return
	}
	if !sv.Value.IsNumericInt() {
		t.logger.Debug("state: non-integer state value", "atom", t.atomID, "type", sv.Value.Type.String())
		t.clearPrimaryKey(eventTimeNs, primaryKey)
		return
	}

	if ev.ResetState != model.NoResetState {
		t.handleReset(eventTimeNs, t.def.MapState(ev.ResetState))
		return
	}

	newState := t.def.MapState(int32(sv.Value.Int))
	nested := t.def.Nested || sv.Annotations.Nested
	t.update(eventTimeNs, primaryKey, newState, nested)
}

func (t *Tracker) primaryKey(ev *model.LogEvent) model.DimensionKey {
	if len(t.def.PrimaryFields) > 0 {
		return model.Project(t.def.PrimaryFields, ev)
	}
	return model.ProjectPrimaryKey(ev)
}

// handleReset overwrites every tracked primary key, non-nested.
func (t *Tracker) handleReset(eventTimeNs int64, resetState int32) {
	keys := make([]model.DimensionKey, 0, len(t.states))
	for _, e := range t.states {
		keys = append(keys, e.key)
	}
	for _, k := range keys {
		t.update(eventTimeNs, k, resetState, false)
	}
}

// clearPrimaryKey drops the entry for the key, notifying the transition
// to unknown if one was tracked.
func (t *Tracker) clearPrimaryKey(eventTimeNs int64, primaryKey model.DimensionKey) {
	if _, ok := t.states[primaryKey.Enc()]; ok {
		t.update(eventTimeNs, primaryKey, model.StateUnknown, false)
	}
}

func (t *Tracker) update(eventTimeNs int64, primaryKey model.DimensionKey, newState int32, nested bool) {
	e, ok := t.states[primaryKey.Enc()]
	if !ok {
		e = &entry{key: primaryKey, state: model.StateUnknown}
		t.states[primaryKey.Enc()] = e
	}
	oldState := e.state

	switch {
	case !nested:
		// Every event overwrites; notify only on a real change.
		if newState != oldState {
			e.state = newState
			e.count = 1
			t.notify(eventTimeNs, primaryKey, oldState, newState)
		}

	// Nested counting: binary ON/OFF states where repeated equal states
	// deepen the count and opposite states unwind it; the visible state
	// flips only when the count reaches zero.
	case newState == model.StateUnknown:
		if oldState != model.StateUnknown {
			t.notify(eventTimeNs, primaryKey, oldState, newState)
		}
	case oldState == model.StateUnknown:
		e.state = newState
		e.count = 1
		t.notify(eventTimeNs, primaryKey, oldState, newState)
	case oldState == newState:
		e.count++
	default:
		e.count--
		if e.count == 0 {
			e.state = newState
			e.count = 1
			t.notify(eventTimeNs, primaryKey, oldState, newState)
		}
	}

	if newState == model.StateUnknown {
		delete(t.states, primaryKey.Enc())
	}
}

func (t *Tracker) notify(eventTimeNs int64, primaryKey model.DimensionKey, oldState, newState int32) {
	// Copy the registry first: a listener may unregister itself (or a
	// peer) from inside its callback.
	listeners := make([]Listener, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	for _, l := range listeners {
		if _, still := t.listeners[l]; still {
			l.OnStateChanged(eventTimeNs, t.atomID, primaryKey, oldState, newState)
		}
	}
}

// Manager owns one tracker per state atom and routes events to them.
type Manager struct {
	mu       sync.Mutex
	trackers map[int32]*Tracker
	logger   *slog.Logger
}

// NewManager creates an empty state manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		trackers: make(map[int32]*Tracker),
		logger:   logger,
	}
}

// TrackerFor returns the tracker for the atom, creating it on first use.
// Repeated registrations with differing nesting or maps keep the first
// definition; the compiler validates consistency across configs.
func (m *Manager) TrackerFor(def *model.StateDef) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[def.AtomID]; ok {
		return t
	}
	t := NewTracker(def, m.logger)
	m.trackers[def.AtomID] = t
	return t
}

// Tracker returns the tracker for the atom, or nil when none exists.
func (m *Manager) Tracker(atomID int32) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackers[atomID]
}

// OnLogEvent routes a state-atom event to its tracker, if any.
func (m *Manager) OnLogEvent(ev *model.LogEvent) {
	m.mu.Lock()
	t := m.trackers[ev.Atom]
	m.mu.Unlock()
	if t != nil {
		t.OnLogEvent(ev)
	}
}
