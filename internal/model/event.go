package model

import (
	"sort"
	"strconv"
)

// StateUnknown is the sentinel state value reported when a tracker has no
// entry for a primary key or when state extraction fails.
const StateUnknown int32 = -1

// NoResetState marks an event that does not carry a reset-state annotation.
const NoResetState int32 = -1

// LogEvent is one parsed telemetry event. Values are kept sorted in DFS
// field-path order; every consumer relies on that for contiguous range
// narrowing.
type LogEvent struct {
	Atom      int32
	ElapsedNs int64
	WallNs    int64
	UID       int32

	Values []FieldValue

	// ExclusiveStateIndex is the index into Values of the exclusive state
	// field, or -1 when the atom is not a state atom.
	ExclusiveStateIndex int

	// ResetState, when not NoResetState, instructs state trackers to
	// overwrite every tracked primary key with this value.
	ResetState int32
}

// NewEvent builds an event from values, sorting them into DFS order and
// stamping the atom on every field.
func NewEvent(atom int32, elapsedNs, wallNs int64, uid int32, values []FieldValue) *LogEvent {
	ev := &LogEvent{
		Atom:                atom,
		ElapsedNs:           elapsedNs,
		WallNs:              wallNs,
		UID:                 uid,
		Values:              values,
		ExclusiveStateIndex: -1,
		ResetState:          NoResetState,
	}
	for i := range ev.Values {
		ev.Values[i].Field.Atom = atom
	}
	sort.SliceStable(ev.Values, func(i, j int) bool {
		return ev.Values[i].Field.Path.Compare(ev.Values[j].Field.Path) < 0
	})
	for i := range ev.Values {
		if ev.Values[i].Annotations.ExclusiveState {
			ev.ExclusiveStateIndex = i
			break
		}
	}
	return ev
}

// ExclusiveStateValue returns the annotated state field value, if any.
func (e *LogEvent) ExclusiveStateValue() (FieldValue, bool) {
	if e.ExclusiveStateIndex < 0 || e.ExclusiveStateIndex >= len(e.Values) {
		return FieldValue{}, false
	}
	return e.Values[e.ExclusiveStateIndex], true
}

// DimensionKey is a canonical projection of event fields used to shard
// aggregation. The encoded form is the map key; the retained values feed
// reports.
type DimensionKey struct {
	values []FieldValue
	enc    string
}

// EmptyDimensionKey is the zero projection shared by unsliced consumers.
var EmptyDimensionKey = DimensionKey{}

// MakeDimensionKey canonicalizes a projected value list into a key.
func MakeDimensionKey(values []FieldValue) DimensionKey {
	if len(values) == 0 {
		return EmptyDimensionKey
	}
	b := make([]byte, 0, 16*len(values))
	for _, fv := range values {
		b = append(b, fv.Field.Path.String()...)
		b = append(b, ':')
		b = fv.Value.encode(b)
		b = append(b, '|')
	}
	return DimensionKey{values: values, enc: string(b)}
}

// Enc returns the canonical string form, usable as a map key.
func (k DimensionKey) Enc() string { return k.enc }

// Values returns the projected field values behind the key.
func (k DimensionKey) Values() []FieldValue { return k.values }

// IsEmpty reports whether the key carries no fields.
func (k DimensionKey) IsEmpty() bool { return len(k.values) == 0 }

func (k DimensionKey) String() string {
	if k.enc == "" {
		return "(empty)"
	}
	return k.enc
}

// Project extracts the dimension key selected by refs from the event.
// Position handling: FIRST/LAST keep the first/last matching value, ANY
// and unspecified keep every matching value.
func Project(refs []FieldRef, ev *LogEvent) DimensionKey {
	if len(refs) == 0 {
		return EmptyDimensionKey
	}
	var out []FieldValue
	for _, ref := range refs {
		first, last := -1, -1
		for i := range ev.Values {
			if ref.Matches(ev.Values[i].Field.Path) {
				if first == -1 {
					first = i
				}
				last = i
			}
		}
		if first == -1 {
			continue
		}
		switch ref.Position {
		case PositionFirst:
			out = append(out, ev.Values[first])
		case PositionLast:
			out = append(out, ev.Values[last])
		default:
			for i := first; i <= last; i++ {
				if ref.Matches(ev.Values[i].Field.Path) {
					out = append(out, ev.Values[i])
				}
			}
		}
	}
	return MakeDimensionKey(out)
}

// ProjectPrimaryKey extracts the state-tracker primary key: the values
// annotated as primary-key fields, in DFS order.
func ProjectPrimaryKey(ev *LogEvent) DimensionKey {
	var out []FieldValue
	for i := range ev.Values {
		if ev.Values[i].Annotations.PrimaryKey {
			out = append(out, ev.Values[i])
		}
	}
	return MakeDimensionKey(out)
}

// StateTuple is the ordered list of current state values appended to a
// dimension key when a metric slices by state.
type StateTuple []int32

// Enc returns a canonical string form for map keying.
func (s StateTuple) Enc() string {
	if len(s) == 0 {
		return ""
	}
	b := make([]byte, 0, 8*len(s))
	for _, v := range s {
		b = strconv.AppendInt(b, int64(v), 10)
		b = append(b, ',')
	}
	return string(b)
}
