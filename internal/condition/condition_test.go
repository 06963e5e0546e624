package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiryo/internal/matcher"
	"github.com/ashita-ai/keiryo/internal/model"
)

const (
	idxStart = iota
	idxStop
	idxStopAll
)

func matchedSet(indexes ...int) []matcher.MatchState {
	out := make([]matcher.MatchState, 3)
	for i := range out {
		out[i] = matcher.NotMatched
	}
	for _, i := range indexes {
		out[i] = matcher.Matched
	}
	return out
}

func uidEvent(uid int64) *model.LogEvent {
	var p model.FieldPath
	p.Pos[0] = 1
	p.Depth = 1
	return model.NewEvent(10, 0, 0, 0, []model.FieldValue{
		{Field: model.Field{Path: p}, Value: model.LongValue(uid)},
	})
}

func uidKey(uid int64) model.DimensionKey {
	return model.Project([]model.FieldRef{{Fields: []int32{1}}}, uidEvent(uid))
}

func newTracker(p *model.SimplePredicate) *SimpleTracker {
	return NewSimpleTracker(7, idxStart, idxStop, idxStopAll, p)
}

func step(t *SimpleTracker, ev *model.LogEvent, matched []matcher.MatchState) (model.ConditionState, bool) {
	cache := make([]model.ConditionState, 1)
	changed := make([]bool, 1)
	t.Evaluate(ev, matched, 0, cache, changed)
	return cache[0], changed[0]
}

func TestSimpleConditionStartStop(t *testing.T) {
	tr := newTracker(&model.SimplePredicate{InitialValue: model.ConditionFalse})
	ev := uidEvent(1)

	st, ch := step(tr, ev, matchedSet(idxStart))
	assert.Equal(t, model.ConditionTrue, st)
	assert.True(t, ch)

	// Unrelated events leave the state untouched.
	st, ch = step(tr, ev, matchedSet())
	assert.Equal(t, model.ConditionTrue, st)
	assert.False(t, ch)

	st, ch = step(tr, ev, matchedSet(idxStop))
	assert.Equal(t, model.ConditionFalse, st)
	assert.True(t, ch)
}

func TestSimpleConditionInitialUnknown(t *testing.T) {
	tr := newTracker(&model.SimplePredicate{})
	assert.Equal(t, model.ConditionUnknown, tr.State())

	// A stop before any start has nothing to flip; the state stays unknown.
	st, ch := step(tr, uidEvent(1), matchedSet(idxStop))
	assert.Equal(t, model.ConditionUnknown, st)
	assert.False(t, ch)
}

func TestNestedCountingBalance(t *testing.T) {
	tr := newTracker(&model.SimplePredicate{CountNesting: true, InitialValue: model.ConditionFalse})
	ev := uidEvent(1)

	step(tr, ev, matchedSet(idxStart))
	step(tr, ev, matchedSet(idxStart))
	step(tr, ev, matchedSet(idxStart))
	assert.Equal(t, 3, tr.NestedDepth(model.EmptyDimensionKey))

	st, ch := step(tr, ev, matchedSet(idxStop))
	assert.Equal(t, model.ConditionTrue, st)
	assert.False(t, ch)
	step(tr, ev, matchedSet(idxStop))

	st, ch = step(tr, ev, matchedSet(idxStop))
	assert.Equal(t, model.ConditionFalse, st)
	assert.True(t, ch)
}

func TestNonNestedRepeatedStartsStopOnce(t *testing.T) {
	tr := newTracker(&model.SimplePredicate{InitialValue: model.ConditionFalse})
	ev := uidEvent(1)

	step(tr, ev, matchedSet(idxStart))
	step(tr, ev, matchedSet(idxStart))
	st, _ := step(tr, ev, matchedSet(idxStop))
	assert.Equal(t, model.ConditionFalse, st)
}

func TestSlicedConditionPerDimension(t *testing.T) {
	tr := newTracker(&model.SimplePredicate{
		Dimensions:   []model.FieldRef{{Fields: []int32{1}}},
		InitialValue: model.ConditionFalse,
	})

	step(tr, uidEvent(10), matchedSet(idxStart))
	step(tr, uidEvent(11), matchedSet(idxStart))

	assert.Equal(t, model.ConditionTrue, tr.Query(uidKey(10)))
	assert.Equal(t, model.ConditionTrue, tr.Query(uidKey(11)))
	assert.Equal(t, model.ConditionFalse, tr.Query(uidKey(12)))
	assert.Equal(t, model.ConditionTrue, tr.State())

	step(tr, uidEvent(10), matchedSet(idxStop))
	assert.Equal(t, model.ConditionFalse, tr.Query(uidKey(10)))
	// Aggregate stays true while any dimension is true.
	assert.Equal(t, model.ConditionTrue, tr.State())

	step(tr, uidEvent(11), matchedSet(idxStop))
	assert.Equal(t, model.ConditionFalse, tr.State())
}

func TestStopAllResetsEveryDimension(t *testing.T) {
	tr := newTracker(&model.SimplePredicate{
		Dimensions:   []model.FieldRef{{Fields: []int32{1}}},
		CountNesting: true,
		InitialValue: model.ConditionFalse,
	})

	step(tr, uidEvent(10), matchedSet(idxStart))
	step(tr, uidEvent(10), matchedSet(idxStart))
	step(tr, uidEvent(11), matchedSet(idxStart))

	st, ch := step(tr, uidEvent(99), matchedSet(idxStopAll))
	assert.Equal(t, model.ConditionFalse, st)
	assert.True(t, ch)
	assert.Equal(t, model.ConditionFalse, tr.Query(uidKey(10)))
	assert.Equal(t, model.ConditionFalse, tr.Query(uidKey(11)))
}

func combo(op model.LogicalOperation, children ...Tracker) *CombinationTracker {
	idx := make([]int, len(children))
	for i := range children {
		idx[i] = i
	}
	return NewCombinationTracker(99, op, idx, children)
}

func evalCombo(t *CombinationTracker, childStates []model.ConditionState, childChanged []bool) model.ConditionState {
	cache := append(append([]model.ConditionState{}, childStates...), model.ConditionUnknown)
	changed := append(append([]bool{}, childChanged...), false)
	t.Evaluate(nil, nil, len(childStates), cache, changed)
	return cache[len(childStates)]
}

type fixedTracker struct {
	state  model.ConditionState
	sliced bool
	byDim  map[string]model.ConditionState
}

func (f *fixedTracker) ID() int64 { return 0 }
func (f *fixedTracker) Evaluate(*model.LogEvent, []matcher.MatchState, int, []model.ConditionState, []bool) {
}
func (f *fixedTracker) State() model.ConditionState { return f.state }
func (f *fixedTracker) Sliced() bool                { return f.sliced }
func (f *fixedTracker) Query(dim model.DimensionKey) model.ConditionState {
	if f.byDim != nil {
		if s, ok := f.byDim[dim.Enc()]; ok {
			return s
		}
	}
	return f.state
}

// Kleene AND: Unknown ∧ False = False.
func TestCombinationKleeneUnknownAndFalse(t *testing.T) {
	p1 := &fixedTracker{state: model.ConditionUnknown}
	p2 := &fixedTracker{state: model.ConditionFalse}
	x := combo(model.LogicalAnd, p1, p2)

	got := evalCombo(x, []model.ConditionState{model.ConditionUnknown, model.ConditionFalse}, []bool{false, false})
	assert.Equal(t, model.ConditionFalse, got)
}

func TestCombinationOperators(t *testing.T) {
	u, f, tr := model.ConditionUnknown, model.ConditionFalse, model.ConditionTrue

	cases := []struct {
		op     model.LogicalOperation
		states []model.ConditionState
		want   model.ConditionState
	}{
		{model.LogicalAnd, []model.ConditionState{tr, tr}, tr},
		{model.LogicalAnd, []model.ConditionState{tr, u}, u},
		{model.LogicalOr, []model.ConditionState{f, tr}, tr},
		{model.LogicalOr, []model.ConditionState{f, u}, u},
		{model.LogicalOr, []model.ConditionState{f, f}, f},
		{model.LogicalNot, []model.ConditionState{tr}, f},
		{model.LogicalNot, []model.ConditionState{u}, u},
		{model.LogicalNand, []model.ConditionState{tr, tr}, f},
		{model.LogicalNand, []model.ConditionState{tr, f}, tr},
		{model.LogicalNor, []model.ConditionState{f, f}, tr},
		{model.LogicalNor, []model.ConditionState{tr, f}, f},
		{model.LogicalUnspecified, []model.ConditionState{tr}, u},
	}
	for _, tc := range cases {
		children := make([]Tracker, len(tc.states))
		for i, s := range tc.states {
			children[i] = &fixedTracker{state: s}
		}
		x := combo(tc.op, children...)
		got := evalCombo(x, tc.states, make([]bool, len(tc.states)))
		assert.Equal(t, tc.want, got, "%s %v", tc.op, tc.states)
	}
}

func TestCombinationChangePropagation(t *testing.T) {
	child := &fixedTracker{state: model.ConditionTrue}
	x := combo(model.LogicalAnd, child)

	cache := []model.ConditionState{model.ConditionTrue, model.ConditionUnknown}
	changed := []bool{true, false}
	x.Evaluate(nil, nil, 1, cache, changed)
	// A changed child marks the combination changed even if its own value
	// settles to the same state next time.
	assert.True(t, changed[1])

	changed = []bool{false, false}
	x.Evaluate(nil, nil, 1, cache, changed)
	assert.False(t, changed[1])
}

func TestSlicedCombinationQueryJoinsDimensions(t *testing.T) {
	k10, k11 := uidKey(10), uidKey(11)
	p1 := &fixedTracker{sliced: true, state: model.ConditionFalse, byDim: map[string]model.ConditionState{
		k10.Enc(): model.ConditionTrue,
	}}
	p2 := &fixedTracker{state: model.ConditionTrue}
	x := combo(model.LogicalAnd, p1, p2)

	require.True(t, x.Sliced())
	assert.Equal(t, model.ConditionTrue, x.Query(k10))
	assert.Equal(t, model.ConditionFalse, x.Query(k11))
}
