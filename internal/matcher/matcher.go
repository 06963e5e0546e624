// Package matcher evaluates simple and combination atom matchers against
// log events. Simple matching narrows the event's DFS-sorted values to the
// contiguous range per field before testing values, so cost is linear in
// the matched subtree rather than the whole event.
package matcher

import (
	"path"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

// MatchState is the per-tracker outcome cache for one event.
type MatchState int8

const (
	NotComputed MatchState = iota
	NotMatched
	Matched
)

func (s MatchState) String() string {
	switch s {
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	default:
		return "not_computed"
	}
}

// MatchesSimple reports whether the event satisfies the simple matcher:
// same atom, and every top-level field matcher accepted.
func MatchesSimple(um *uidmap.Map, m *model.SimpleAtomMatcher, ev *model.LogEvent) bool {
	if m.Atom != ev.Atom {
		return false
	}
	for i := range m.FieldMatchers {
		if !matches(um, &m.FieldMatchers[i], ev.Values, 0, len(ev.Values), 0) {
			return false
		}
	}
	return true
}

// valueRange is one contiguous window of event values under consideration.
type valueRange struct{ start, end int }

// narrowToField zooms [start,end) to the contiguous run whose position at
// the given depth equals field. The DFS sort guarantees the run is
// contiguous and lets the scan stop once positions pass the target.
func narrowToField(field int32, values []model.FieldValue, start, end, depth int) (int, int) {
	newStart := -1
	newEnd := end
	for i := start; i < end; i++ {
		pos := values[i].Field.Path.PosAtDepth(depth)
		if pos == field {
			if newStart == -1 {
				newStart = i
			}
			newEnd = i + 1
		} else if pos > field {
			break
		}
	}
	return newStart, newEnd
}

// computeRanges narrows by field id and applies the position selector.
// It returns the ranges that participate in matching (several only for
// ANY with matches_tuple: one per repeated sub-tree) plus the depth at
// which leaf values now sit. An empty result means no such field.
func computeRanges(m *model.FieldValueMatcher, values []model.FieldValue, start, end, depth int) ([]valueRange, int) {
	start, end = narrowToField(m.Field, values, start, end, depth)
	if start == -1 {
		return nil, depth
	}

	if m.Position == model.PositionUnspecified {
		return []valueRange{{start, end}}, depth
	}

	// A repeated-field position occupies its own node in the path.
	depth++
	if depth >= model.MaxFieldDepth {
		return nil, depth
	}

	switch m.Position {
	case model.PositionFirst:
		for i := start; i < end; i++ {
			if values[i].Field.Path.PosAtDepth(depth) != 1 {
				end = i
				break
			}
		}
		return []valueRange{{start, end}}, depth

	case model.PositionLast:
		for i := start; i < end; i++ {
			if values[i].Field.Path.IsLastAt(depth) {
				start = i
				break
			}
		}
		return []valueRange{{start, end}}, depth

	case model.PositionAny:
		var ranges []valueRange
		if len(m.MatchesTuple) > 0 {
			// Split the narrowed run into one range per repeated entry;
			// the tuple must match entirely inside a single entry.
			current := values[start].Field.Path.PosAtDepth(depth)
			for i := start; i < end; i++ {
				if pos := values[i].Field.Path.PosAtDepth(depth); pos != current {
					ranges = append(ranges, valueRange{start, i})
					start = i
					current = pos
				}
			}
		}
		ranges = append(ranges, valueRange{start, end})
		return ranges, depth

	case model.PositionAll:
		// Rejected by validation; never matches at evaluation time.
		return nil, depth

	default:
		return nil, depth
	}
}

func matches(um *uidmap.Map, m *model.FieldValueMatcher, values []model.FieldValue, start, end, depth int) bool {
	if depth >= model.MaxFieldDepth {
		return false
	}
	if start >= end {
		return false
	}

	ranges, depth := computeRanges(m, values, start, end, depth)
	if len(ranges) == 0 {
		return false
	}

	if len(m.MatchesTuple) > 0 {
		depth++
		for _, r := range ranges {
			matched := true
			for i := range m.MatchesTuple {
				if !matches(um, &m.MatchesTuple[i], values, r.start, r.end, depth) {
					matched = false
					break
				}
			}
			if matched {
				return true
			}
		}
		return false
	}

	// Leaf matching over the single remaining range (ranges has exactly
	// one entry for every non-tuple case). ANY ranges hold more than one
	// value; a single satisfying value is a match.
	r := ranges[0]
	switch {
	case m.EqBool != nil:
		for i := r.start; i < r.end; i++ {
			v := values[i].Value
			if v.Type == model.TypeBool && v.Bool == *m.EqBool {
				return true
			}
			if v.IsNumericInt() && (v.Int != 0) == *m.EqBool {
				return true
			}
		}
		return false

	case m.EqString != nil:
		for i := r.start; i < r.end; i++ {
			if matchString(um, values[i], *m.EqString) {
				return true
			}
		}
		return false

	case len(m.EqAnyString) > 0:
		for i := r.start; i < r.end; i++ {
			for _, s := range m.EqAnyString {
				if matchString(um, values[i], s) {
					return true
				}
			}
		}
		return false

	case len(m.NeqAnyString) > 0:
		for i := r.start; i < r.end; i++ {
			neqAll := true
			for _, s := range m.NeqAnyString {
				if matchString(um, values[i], s) {
					neqAll = false
					break
				}
			}
			if neqAll {
				return true
			}
		}
		return false

	case m.EqWildcardString != nil:
		for i := r.start; i < r.end; i++ {
			if matchWildcard(um, values[i], *m.EqWildcardString) {
				return true
			}
		}
		return false

	case len(m.EqAnyWildcardString) > 0:
		for i := r.start; i < r.end; i++ {
			for _, p := range m.EqAnyWildcardString {
				if matchWildcard(um, values[i], p) {
					return true
				}
			}
		}
		return false

	case len(m.NeqAnyWildcardString) > 0:
		for i := r.start; i < r.end; i++ {
			neqAll := true
			for _, p := range m.NeqAnyWildcardString {
				if matchWildcard(um, values[i], p) {
					neqAll = false
					break
				}
			}
			if neqAll {
				return true
			}
		}
		return false

	case m.EqInt != nil:
		return anyInt(values, r, func(v int64) bool { return v == *m.EqInt })

	case len(m.EqAnyInt) > 0:
		return anyInt(values, r, func(v int64) bool {
			for _, want := range m.EqAnyInt {
				if v == want {
					return true
				}
			}
			return false
		})

	case len(m.NeqAnyInt) > 0:
		return anyInt(values, r, func(v int64) bool {
			for _, want := range m.NeqAnyInt {
				if v == want {
					return false
				}
			}
			return true
		})

	case m.LtInt != nil:
		return anyInt(values, r, func(v int64) bool { return v < *m.LtInt })
	case m.GtInt != nil:
		return anyInt(values, r, func(v int64) bool { return v > *m.GtInt })
	case m.LteInt != nil:
		return anyInt(values, r, func(v int64) bool { return v <= *m.LteInt })
	case m.GteInt != nil:
		return anyInt(values, r, func(v int64) bool { return v >= *m.GteInt })

	case m.LtFloat != nil:
		return anyFloat(values, r, func(v float64) bool { return v < *m.LtFloat })
	case m.GtFloat != nil:
		return anyFloat(values, r, func(v float64) bool { return v > *m.GtFloat })

	default:
		return false
	}
}

func anyInt(values []model.FieldValue, r valueRange, pred func(int64) bool) bool {
	for i := r.start; i < r.end; i++ {
		if values[i].Value.IsNumericInt() && pred(values[i].Value.Int) {
			return true
		}
	}
	return false
}

func anyFloat(values []model.FieldValue, r valueRange, pred func(float64) bool) bool {
	for i := r.start; i < r.end; i++ {
		v := values[i].Value
		if (v.Type == model.TypeFloat || v.Type == model.TypeDouble) && pred(v.Float) {
			return true
		}
	}
	return false
}

// matchString compares one value against a literal. Uid-annotated fields
// match when the literal names the uid's AID identity or one of its
// normalized package names.
func matchString(um *uidmap.Map, fv model.FieldValue, want string) bool {
	if fv.Annotations.UIDField && fv.Value.IsNumericInt() {
		uid := int32(fv.Value.Int)
		if aid, ok := uidmap.AidToUid[want]; ok {
			return aid == uid
		}
		if um == nil {
			return false
		}
		names := um.AppNamesForUid(uid, true)
		_, ok := names[want]
		return ok
	}
	if fv.Value.Type == model.TypeString {
		return fv.Value.Str == want
	}
	return false
}

// matchWildcard compares one value against a shell-style pattern
// (`*`, `?`, character classes). System uids match against their AID name;
// app uids against every normalized package name at the uid.
func matchWildcard(um *uidmap.Map, fv model.FieldValue, pattern string) bool {
	if fv.Annotations.UIDField && fv.Value.IsNumericInt() {
		uid := int32(fv.Value.Int)
		if uid < uidmap.AppUidStart {
			if name, ok := uidmap.AidNameForUid(uid); ok {
				return wildcardMatch(pattern, name)
			}
		}
		if um == nil {
			return false
		}
		for name := range um.AppNamesForUid(uid, true) {
			if wildcardMatch(pattern, name) {
				return true
			}
		}
		return false
	}
	if fv.Value.Type == model.TypeString {
		return wildcardMatch(pattern, fv.Value.Str)
	}
	return false
}

func wildcardMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// Combine folds already-computed child results with the operation
// semantics. An unspecified operation never matches; NOT requires its
// single child to be explicitly not-matched.
func Combine(op model.LogicalOperation, children []int, results []MatchState) bool {
	switch op {
	case model.LogicalAnd:
		for _, c := range children {
			if results[c] != Matched {
				return false
			}
		}
		return true
	case model.LogicalOr:
		for _, c := range children {
			if results[c] == Matched {
				return true
			}
		}
		return false
	case model.LogicalNot:
		return results[children[0]] == NotMatched
	case model.LogicalNand:
		for _, c := range children {
			if results[c] != Matched {
				return true
			}
		}
		return false
	case model.LogicalNor:
		for _, c := range children {
			if results[c] == Matched {
				return false
			}
		}
		return true
	default:
		return false
	}
}
