package matcher

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

func testUidMap() *uidmap.Map {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return uidmap.New(logger, 0)
}

func i64(v int64) *int64       { return &v }
func f64(v float64) *float64   { return &v }
func str(s string) *string     { return &s }
func boolp(v bool) *bool       { return &v }

func leafValue(pos int32, v model.Value) model.FieldValue {
	var p model.FieldPath
	p.Pos[0] = pos
	p.Depth = 1
	return model.FieldValue{Field: model.Field{Path: p}, Value: v}
}

// attributionNode builds the (uid, tag) pair of one repeated entry.
func attributionNode(field, index int32, uid int64, tag string) []model.FieldValue {
	mk := func(sub int32, v model.Value, uidField bool) model.FieldValue {
		var p model.FieldPath
		p.Pos = [model.MaxFieldDepth]int32{field, index, sub}
		p.Depth = model.MaxFieldDepth
		fv := model.FieldValue{Field: model.Field{Path: p}, Value: v}
		fv.Annotations.UIDField = uidField
		return fv
	}
	return []model.FieldValue{
		mk(1, model.LongValue(uid), true),
		mk(2, model.StringValue(tag), false),
	}
}

func eventOf(atom int32, values ...model.FieldValue) *model.LogEvent {
	model.MarkLastFlags(values)
	return model.NewEvent(atom, 0, 0, 0, values)
}

func TestSimpleMatcherAtomMismatch(t *testing.T) {
	m := &model.SimpleAtomMatcher{Atom: 29}
	ev := eventOf(30, leafValue(1, model.IntValue(2)))
	assert.False(t, MatchesSimple(testUidMap(), m, ev))
}

func TestSimpleMatcherIntCases(t *testing.T) {
	ev := eventOf(29, leafValue(1, model.IntValue(2)), leafValue(2, model.LongValue(100)))

	cases := []struct {
		name string
		fm   model.FieldValueMatcher
		want bool
	}{
		{"eq_int match", model.FieldValueMatcher{Field: 1, EqInt: i64(2)}, true},
		{"eq_int miss", model.FieldValueMatcher{Field: 1, EqInt: i64(3)}, false},
		{"eq_int promotes to long field", model.FieldValueMatcher{Field: 2, EqInt: i64(100)}, true},
		{"eq_any_int", model.FieldValueMatcher{Field: 1, EqAnyInt: []int64{9, 2}}, true},
		{"neq_any_int miss", model.FieldValueMatcher{Field: 1, NeqAnyInt: []int64{2}}, false},
		{"neq_any_int match", model.FieldValueMatcher{Field: 1, NeqAnyInt: []int64{3}}, true},
		{"lt_int", model.FieldValueMatcher{Field: 1, LtInt: i64(3)}, true},
		{"gt_int", model.FieldValueMatcher{Field: 1, GtInt: i64(2)}, false},
		{"lte_int", model.FieldValueMatcher{Field: 1, LteInt: i64(2)}, true},
		{"gte_int", model.FieldValueMatcher{Field: 1, GteInt: i64(3)}, false},
		{"unknown field", model.FieldValueMatcher{Field: 9, EqInt: i64(2)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{tc.fm}}
			assert.Equal(t, tc.want, MatchesSimple(testUidMap(), m, ev))
		})
	}
}

func TestSimpleMatcherFloatAndBool(t *testing.T) {
	ev := eventOf(29,
		leafValue(1, model.FloatValue(1.5)),
		leafValue(2, model.BoolValue(true)),
		leafValue(3, model.IntValue(0)),
	)

	um := testUidMap()
	match := func(fm model.FieldValueMatcher) bool {
		m := &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{fm}}
		return MatchesSimple(um, m, ev)
	}

	assert.True(t, match(model.FieldValueMatcher{Field: 1, GtFloat: f64(1.0)}))
	assert.False(t, match(model.FieldValueMatcher{Field: 1, LtFloat: f64(1.0)}))
	assert.True(t, match(model.FieldValueMatcher{Field: 2, EqBool: boolp(true)}))
	// Integer-typed field participates in bool matching: 0 is false.
	assert.True(t, match(model.FieldValueMatcher{Field: 3, EqBool: boolp(false)}))
}

func TestSimpleMatcherStringCases(t *testing.T) {
	ev := eventOf(29, leafValue(1, model.StringValue("com.app.One")))

	um := testUidMap()
	match := func(fm model.FieldValueMatcher) bool {
		m := &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{fm}}
		return MatchesSimple(um, m, ev)
	}

	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqString: str("com.app.One")}))
	// Case-sensitive.
	assert.False(t, match(model.FieldValueMatcher{Field: 1, EqString: str("com.app.one")}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqAnyString: []string{"x", "com.app.One"}}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, NeqAnyString: []string{"x"}}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqWildcardString: str("com.app.*")}))
	assert.False(t, match(model.FieldValueMatcher{Field: 1, EqWildcardString: str("org.*")}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqAnyWildcardString: []string{"org.*", "com.*"}}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, NeqAnyWildcardString: []string{"org.*"}}))
	assert.False(t, match(model.FieldValueMatcher{Field: 1, NeqAnyWildcardString: []string{"com.*"}}))
}

func TestUidFieldMatchesPackageNames(t *testing.T) {
	um := testUidMap()
	um.UpdateApp(1, "Com.Example.App", 10001, 1, "", "", nil)

	uidVal := leafValue(1, model.IntValue(10001))
	uidVal.Annotations.UIDField = true
	ev := eventOf(29, uidVal)

	match := func(fm model.FieldValueMatcher) bool {
		m := &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{fm}}
		return MatchesSimple(um, m, ev)
	}

	// Lookup is against normalized (lowercased) names.
	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqString: str("com.example.app")}))
	assert.False(t, match(model.FieldValueMatcher{Field: 1, EqString: str("Com.Example.App")}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqWildcardString: str("com.example.*")}))
}

func TestUidFieldMatchesAidNames(t *testing.T) {
	um := testUidMap()
	uidVal := leafValue(1, model.IntValue(1000))
	uidVal.Annotations.UIDField = true
	ev := eventOf(29, uidVal)

	match := func(fm model.FieldValueMatcher) bool {
		m := &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{fm}}
		return MatchesSimple(um, m, ev)
	}

	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqString: str("AID_SYSTEM")}))
	assert.False(t, match(model.FieldValueMatcher{Field: 1, EqString: str("AID_ROOT")}))
	assert.True(t, match(model.FieldValueMatcher{Field: 1, EqWildcardString: str("AID_SYS*")}))
}

func tupleMatcher(field int32, pos model.Position, children ...model.FieldValueMatcher) model.FieldValueMatcher {
	return model.FieldValueMatcher{Field: field, Position: pos, MatchesTuple: children}
}

func TestPositionFirstLastAny(t *testing.T) {
	values := append(attributionNode(1, 1, 100, "A"), attributionNode(1, 2, 200, "B")...)
	ev := eventOf(10, values...)
	um := testUidMap()

	match := func(fm model.FieldValueMatcher) bool {
		m := &model.SimpleAtomMatcher{Atom: 10, FieldMatchers: []model.FieldValueMatcher{fm}}
		return MatchesSimple(um, m, ev)
	}

	uidEq := func(v int64) model.FieldValueMatcher {
		return model.FieldValueMatcher{Field: 1, EqInt: i64(v)}
	}

	assert.True(t, match(tupleMatcher(1, model.PositionFirst, uidEq(100))))
	assert.False(t, match(tupleMatcher(1, model.PositionFirst, uidEq(200))))
	assert.True(t, match(tupleMatcher(1, model.PositionLast, uidEq(200))))
	assert.False(t, match(tupleMatcher(1, model.PositionLast, uidEq(100))))
	assert.True(t, match(tupleMatcher(1, model.PositionAny, uidEq(200))))
	assert.False(t, match(tupleMatcher(1, model.PositionAny, uidEq(300))))
	// ALL is rejected at validation; evaluation treats it as no-match.
	assert.False(t, match(tupleMatcher(1, model.PositionAll, uidEq(100))))
}

// A tuple under ANY must match entirely within one repeated entry: an
// event with nodes (uid=10,tag="B") and (uid=11,tag="A") does not satisfy
// uid=10 AND tag="A" even though each conjunct matches some node.
func TestSimpleMatcher_AnyTupleSubrangeAtomicity(t *testing.T) {
	um := testUidMap()
	want := tupleMatcher(1, model.PositionAny,
		model.FieldValueMatcher{Field: 1, EqInt: i64(10)},
		model.FieldValueMatcher{Field: 2, EqString: str("A")},
	)
	m := &model.SimpleAtomMatcher{Atom: 10, FieldMatchers: []model.FieldValueMatcher{want}}

	cross := append(attributionNode(1, 1, 10, "B"), attributionNode(1, 2, 11, "A")...)
	assert.False(t, MatchesSimple(um, m, eventOf(10, cross...)))

	together := append(attributionNode(1, 1, 10, "A"), attributionNode(1, 2, 11, "B")...)
	assert.True(t, MatchesSimple(um, m, eventOf(10, together...)))
}

// Narrowing to the contiguous field range yields the same outcome as the
// naive scan over all values.
func TestFieldPathLocality(t *testing.T) {
	um := testUidMap()
	ev := eventOf(29,
		leafValue(1, model.IntValue(1)),
		leafValue(2, model.IntValue(2)),
		leafValue(3, model.IntValue(3)),
		leafValue(4, model.IntValue(4)),
	)

	for field := int32(1); field <= 4; field++ {
		m := &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{
			{Field: field, EqInt: i64(int64(field))},
		}}
		require.True(t, MatchesSimple(um, m, ev), "field %d", field)

		naive := false
		for _, v := range ev.Values {
			if v.Field.Path.Pos[0] == field && v.Value.Int == int64(field) {
				naive = true
			}
		}
		assert.True(t, naive)
	}
}

// Matching is pure: repeated evaluation yields identical results.
func TestMatcherDeterminism(t *testing.T) {
	um := testUidMap()
	values := append(attributionNode(1, 1, 10, "A"), attributionNode(1, 2, 20, "B")...)
	ev := eventOf(10, values...)
	m := &model.SimpleAtomMatcher{Atom: 10, FieldMatchers: []model.FieldValueMatcher{
		tupleMatcher(1, model.PositionAny, model.FieldValueMatcher{Field: 1, EqInt: i64(20)}),
	}}

	first := MatchesSimple(um, m, ev)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, MatchesSimple(um, m, ev))
	}
}

func TestCombine(t *testing.T) {
	results := []MatchState{Matched, NotMatched, Matched}

	assert.True(t, Combine(model.LogicalAnd, []int{0, 2}, results))
	assert.False(t, Combine(model.LogicalAnd, []int{0, 1}, results))
	assert.True(t, Combine(model.LogicalOr, []int{1, 2}, results))
	assert.False(t, Combine(model.LogicalOr, []int{1}, results))
	assert.True(t, Combine(model.LogicalNot, []int{1}, results))
	assert.False(t, Combine(model.LogicalNot, []int{0}, results))
	assert.True(t, Combine(model.LogicalNand, []int{0, 1}, results))
	assert.False(t, Combine(model.LogicalNand, []int{0, 2}, results))
	assert.True(t, Combine(model.LogicalNor, []int{1}, results))
	assert.False(t, Combine(model.LogicalNor, []int{0, 1}, results))
	assert.False(t, Combine(model.LogicalUnspecified, []int{0}, results))
}

// NOT distinguishes not-matched from not-computed: a child that was never
// evaluated does not make the negation true.
func TestNotRequiresExplicitNotMatched(t *testing.T) {
	results := []MatchState{NotComputed}
	assert.False(t, Combine(model.LogicalNot, []int{0}, results))
}

func TestTrackerEvaluate(t *testing.T) {
	um := testUidMap()
	simple := NewSimpleTracker(1, &model.SimpleAtomMatcher{Atom: 29, FieldMatchers: []model.FieldValueMatcher{
		{Field: 1, EqInt: i64(2)},
	}})

	ev := eventOf(29, leafValue(1, model.IntValue(2)))
	cache := []MatchState{NotComputed, NotComputed}
	cache[0] = simple.Evaluate(um, ev, cache)
	assert.Equal(t, Matched, cache[0])

	not := NewCombinationTracker(2, model.LogicalNot, []int{0}, simple.Atoms)
	cache[1] = not.Evaluate(um, ev, cache)
	assert.Equal(t, NotMatched, cache[1])

	// An event of a different atom short-circuits the whole tracker.
	other := eventOf(30, leafValue(1, model.IntValue(2)))
	assert.Equal(t, NotMatched, simple.Evaluate(um, other, cache))
}
