package condition

import (
	"github.com/ashita-ai/keiryo/internal/matcher"
	"github.com/ashita-ai/keiryo/internal/model"
)

// CombinationTracker folds child conditions with Kleene three-valued
// logic. Children sit earlier in topological order, so their cache slots
// are final when this tracker evaluates.
type CombinationTracker struct {
	id           int64
	operation    model.LogicalOperation
	childIndexes []int
	children     []Tracker

	state model.ConditionState
}

// NewCombinationTracker builds a combination tracker over resolved child
// indexes. The children slice aliases the graph's tracker array entries
// for sliced queries.
func NewCombinationTracker(id int64, op model.LogicalOperation, childIndexes []int, children []Tracker) *CombinationTracker {
	return &CombinationTracker{
		id:           id,
		operation:    op,
		childIndexes: childIndexes,
		children:     children,
		state:        model.ConditionUnknown,
	}
}

// ID implements Tracker.
func (t *CombinationTracker) ID() int64 { return t.id }

// SetChildren repoints child slots after a preserving config update
// reorders the condition array.
func (t *CombinationTracker) SetChildren(childIndexes []int, children []Tracker) {
	t.childIndexes = childIndexes
	t.children = children
}

// Sliced reports whether any child is sliced; a sliced combination joins
// child dimension keys on query.
func (t *CombinationTracker) Sliced() bool {
	for _, c := range t.children {
		if c.Sliced() {
			return true
		}
	}
	return false
}

// State implements Tracker.
func (t *CombinationTracker) State() model.ConditionState { return t.state }

// Query folds the children's sliced states for one dimension key.
func (t *CombinationTracker) Query(dim model.DimensionKey) model.ConditionState {
	states := make([]model.ConditionState, len(t.children))
	for i, c := range t.children {
		states[i] = c.Query(dim)
	}
	return fold(t.operation, states)
}

// Evaluate implements Tracker.
func (t *CombinationTracker) Evaluate(_ *model.LogEvent, _ []matcher.MatchState, index int, cache []model.ConditionState, changed []bool) {
	childChanged := false
	states := make([]model.ConditionState, len(t.childIndexes))
	for i, ci := range t.childIndexes {
		states[i] = cache[ci]
		if changed[ci] {
			childChanged = true
		}
	}
	next := fold(t.operation, states)
	didChange := childChanged || next != t.state
	t.state = next
	cache[index] = next
	changed[index] = didChange
}

func fold(op model.LogicalOperation, states []model.ConditionState) model.ConditionState {
	if len(states) == 0 {
		return model.ConditionUnknown
	}
	switch op {
	case model.LogicalAnd:
		out := model.ConditionTrue
		for _, s := range states {
			out = out.And(s)
		}
		return out
	case model.LogicalOr:
		out := model.ConditionFalse
		for _, s := range states {
			out = out.Or(s)
		}
		return out
	case model.LogicalNot:
		return states[0].Not()
	case model.LogicalNand:
		out := model.ConditionTrue
		for _, s := range states {
			out = out.And(s)
		}
		return out.Not()
	case model.LogicalNor:
		out := model.ConditionFalse
		for _, s := range states {
			out = out.Or(s)
		}
		return out.Not()
	default:
		return model.ConditionUnknown
	}
}
