// Package condition tracks sliced start/stop/stop-all predicates and
// their logical combinations over matcher outcomes, with three-valued
// (Kleene) state.
package condition

import (
	"github.com/ashita-ai/keiryo/internal/matcher"
	"github.com/ashita-ai/keiryo/internal/model"
)

// Tracker is one node of the condition layer. Trackers are evaluated in
// topological order per event; combination trackers fold their children's
// cached states.
type Tracker interface {
	// ID returns the predicate id.
	ID() int64
	// Evaluate updates the tracker for one event. matched is the matcher
	// layer's outcome cache; cache and changed are the condition layer's
	// per-event caches indexed by tracker position; index is this
	// tracker's own slot, which Evaluate writes in both.
	Evaluate(ev *model.LogEvent, matched []matcher.MatchState, index int, cache []model.ConditionState, changed []bool)
	// State returns the unsliced aggregate: true when any dimension is
	// true.
	State() model.ConditionState
	// Query returns the state of one dimension slice. Unsliced trackers
	// ignore the key.
	Query(dim model.DimensionKey) model.ConditionState
	// Sliced reports whether the tracker maintains per-dimension state.
	Sliced() bool
}

// slice is the per-dimension state of a simple tracker.
type slice struct {
	state model.ConditionState
	depth int
}

// SimpleTracker implements the start/stop/stop-all state machine,
// optionally sliced by a dimension projection of the start event.
type SimpleTracker struct {
	id int64

	startIndex   int
	stopIndex    int
	stopAllIndex int

	dims         []model.FieldRef
	countNesting bool
	initial      model.ConditionState

	slices    map[string]*slice
	aggregate model.ConditionState
}

// NewSimpleTracker builds a simple condition tracker. Matcher indexes of
// -1 mark absent stop/stop-all matchers.
func NewSimpleTracker(id int64, startIndex, stopIndex, stopAllIndex int, p *model.SimplePredicate) *SimpleTracker {
	initial := p.InitialValue
	if initial != model.ConditionFalse {
		initial = model.ConditionUnknown
	}
	return &SimpleTracker{
		id:           id,
		startIndex:   startIndex,
		stopIndex:    stopIndex,
		stopAllIndex: stopAllIndex,
		dims:         p.Dimensions,
		countNesting: p.CountNesting,
		initial:      initial,
		slices:       make(map[string]*slice),
		aggregate:    initial,
	}
}

// ID implements Tracker.
func (t *SimpleTracker) ID() int64 { return t.id }

// Sliced implements Tracker.
func (t *SimpleTracker) Sliced() bool { return len(t.dims) > 0 }

// State implements Tracker.
func (t *SimpleTracker) State() model.ConditionState { return t.aggregate }

// Query implements Tracker.
func (t *SimpleTracker) Query(dim model.DimensionKey) model.ConditionState {
	if !t.Sliced() {
		return t.aggregate
	}
	if s, ok := t.slices[dim.Enc()]; ok {
		return s.state
	}
	return t.initial
}

// Evaluate implements Tracker.
func (t *SimpleTracker) Evaluate(ev *model.LogEvent, matched []matcher.MatchState, index int, cache []model.ConditionState, changed []bool) {
	isMatched := func(idx int) bool {
		return idx >= 0 && idx < len(matched) && matched[idx] == matcher.Matched
	}

	anyChange := false

	// Stop-all resets every dimension unconditionally.
	if isMatched(t.stopAllIndex) {
		if len(t.slices) > 0 || t.aggregate != model.ConditionFalse {
			anyChange = true
		}
		t.slices = make(map[string]*slice)
		t.aggregate = model.ConditionFalse
		cache[index] = t.aggregate
		changed[index] = anyChange
		return
	}

	start := isMatched(t.startIndex)
	stop := isMatched(t.stopIndex)
	if !start && !stop {
		cache[index] = t.aggregate
		changed[index] = false
		return
	}

	key := model.EmptyDimensionKey
	if t.Sliced() {
		key = model.Project(t.dims, ev)
	}
	s, ok := t.slices[key.Enc()]
	if !ok {
		s = &slice{state: t.initial}
		t.slices[key.Enc()] = s
	}

	// A start and a stop matching the same event cancel for non-nested
	// predicates; process start first so nested counting balances.
	if start {
		switch {
		case s.state != model.ConditionTrue:
			s.state = model.ConditionTrue
			s.depth = 1
			anyChange = true
		case t.countNesting:
			s.depth++
		}
	}
	if stop && s.state == model.ConditionTrue {
		if t.countNesting {
			s.depth--
			if s.depth <= 0 {
				s.state = model.ConditionFalse
				s.depth = 0
				anyChange = true
			}
		} else {
			s.state = model.ConditionFalse
			s.depth = 0
			anyChange = true
		}
	}

	if anyChange {
		t.recomputeAggregate()
	}
	cache[index] = t.aggregate
	changed[index] = anyChange
}

func (t *SimpleTracker) recomputeAggregate() {
	agg := model.ConditionFalse
	for _, s := range t.slices {
		if s.state == model.ConditionTrue {
			agg = model.ConditionTrue
			break
		}
	}
	t.aggregate = agg
}

// SetMatcherIndexes repoints the start/stop/stop-all matcher slots after
// a preserving config update reorders the matcher array.
func (t *SimpleTracker) SetMatcherIndexes(startIndex, stopIndex, stopAllIndex int) {
	t.startIndex = startIndex
	t.stopIndex = stopIndex
	t.stopAllIndex = stopAllIndex
}

// NestedDepth exposes the nesting depth of one dimension for tests.
func (t *SimpleTracker) NestedDepth(dim model.DimensionKey) int {
	if s, ok := t.slices[dim.Enc()]; ok {
		return s.depth
	}
	return 0
}
