package matcher

import (
	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

// Tracker is one node of the matcher layer: either a simple matcher or a
// logical combination over earlier trackers. Trackers are evaluated in
// topological order per event; combination trackers read their children's
// results from the shared cache.
type Tracker struct {
	ID int64

	// Simple is set for simple trackers.
	Simple *model.SimpleAtomMatcher

	// Operation and ChildIndexes are set for combination trackers. The
	// indexes point into the current graph's tracker array.
	Operation    model.LogicalOperation
	ChildIndexes []int

	// Atoms is the set of atom ids this tracker can possibly match. For a
	// simple tracker it is one id; for combinations it is the children's
	// union. The engine uses it to skip whole subgraphs per event.
	Atoms map[int32]struct{}
}

// NewSimpleTracker builds a tracker for a simple matcher.
func NewSimpleTracker(id int64, m *model.SimpleAtomMatcher) *Tracker {
	return &Tracker{
		ID:     id,
		Simple: m,
		Atoms:  map[int32]struct{}{m.Atom: {}},
	}
}

// NewCombinationTracker builds a tracker for a combination node; the
// caller resolves child ids to indexes and supplies the atom union.
func NewCombinationTracker(id int64, op model.LogicalOperation, childIndexes []int, atoms map[int32]struct{}) *Tracker {
	return &Tracker{
		ID:           id,
		Operation:    op,
		ChildIndexes: childIndexes,
		Atoms:        atoms,
	}
}

// IsSimple reports whether this is a simple tracker.
func (t *Tracker) IsSimple() bool { return t.Simple != nil }

// CanMatch reports whether the tracker can possibly match the atom.
func (t *Tracker) CanMatch(atom int32) bool {
	_, ok := t.Atoms[atom]
	return ok
}

// Evaluate computes the tracker's outcome for the event, reading child
// results from cache for combinations. Pure: no tracker state is mutated
// beyond the caller-owned cache slot.
func (t *Tracker) Evaluate(um *uidmap.Map, ev *model.LogEvent, cache []MatchState) MatchState {
	if !t.CanMatch(ev.Atom) {
		return NotMatched
	}
	if t.Simple != nil {
		if MatchesSimple(um, t.Simple, ev) {
			return Matched
		}
		return NotMatched
	}
	if Combine(t.Operation, t.ChildIndexes, cache) {
		return Matched
	}
	return NotMatched
}
