// Package model defines the log event data model shared by every engine
// component: atoms, DFS-ordered field paths, typed values, dimension keys,
// and the metrics-configuration document.
package model

import "fmt"

// MaxFieldDepth is the maximum nesting depth of a field path. Two levels of
// tuple nesting below the top-level field are representable; anything deeper
// is rejected at parse and validation time.
const MaxFieldDepth = 3

// FieldPath addresses one value inside an atom. Pos holds the field number
// at each depth (zero for unused depths); Last marks values that are the
// final sibling at that depth, which is how repeated-field boundaries are
// recovered from the flattened DFS ordering.
type FieldPath struct {
	Pos   [MaxFieldDepth]int32 `json:"pos"`
	Last  [MaxFieldDepth]bool  `json:"last,omitempty"`
	Depth int8                 `json:"depth"`
}

// PosAtDepth returns the field number at the given depth, or 0 when the
// path does not extend that far.
func (p FieldPath) PosAtDepth(depth int) int32 {
	if depth < 0 || depth >= MaxFieldDepth {
		return 0
	}
	return p.Pos[depth]
}

// IsLastAt reports whether this value is the last sibling at the given depth.
func (p FieldPath) IsLastAt(depth int) bool {
	if depth < 0 || depth >= MaxFieldDepth {
		return false
	}
	return p.Last[depth]
}

// Compare orders paths in DFS order: position by position, shallower first
// on ties. The values slice of every LogEvent is sorted by this order, which
// is what lets the matcher narrow to a contiguous range per field.
func (p FieldPath) Compare(q FieldPath) int {
	for d := 0; d < MaxFieldDepth; d++ {
		if p.Pos[d] != q.Pos[d] {
			if p.Pos[d] < q.Pos[d] {
				return -1
			}
			return 1
		}
	}
	if p.Depth != q.Depth {
		if p.Depth < q.Depth {
			return -1
		}
		return 1
	}
	return 0
}

func (p FieldPath) String() string {
	switch p.Depth {
	case 1:
		return fmt.Sprintf("%d", p.Pos[0])
	case 2:
		return fmt.Sprintf("%d.%d", p.Pos[0], p.Pos[1])
	default:
		return fmt.Sprintf("%d.%d.%d", p.Pos[0], p.Pos[1], p.Pos[2])
	}
}

// Field identifies a value slot within a specific atom.
type Field struct {
	Atom int32     `json:"atom"`
	Path FieldPath `json:"path"`
}

func (f Field) String() string {
	return fmt.Sprintf("%d:%s", f.Atom, f.Path.String())
}

// FieldRef is a configuration-side reference to one or more value slots:
// the field number expected at each path depth, with 0 acting as a
// wildcard (used for the repeated-entry index of attribution-style
// fields). Dimension specs, primary-key projections and value-field
// selectors are all lists of FieldRefs.
type FieldRef struct {
	Fields   []int32  `json:"fields" yaml:"fields"`
	Position Position `json:"position,omitempty" yaml:"position,omitempty"`
}

// Matches reports whether the value path is addressed by this reference.
// Path slots beyond the reference length are unconstrained, so a ref of
// [4] covers the whole subtree of field 4.
func (r FieldRef) Matches(p FieldPath) bool {
	if len(r.Fields) == 0 || len(r.Fields) > MaxFieldDepth {
		return false
	}
	for d, want := range r.Fields {
		if want == 0 {
			continue
		}
		if p.Pos[d] != want {
			return false
		}
	}
	return true
}

// Position selects which entry of a repeated field participates in
// matching or projection.
type Position string

const (
	PositionUnspecified Position = ""
	PositionFirst       Position = "FIRST"
	PositionLast        Position = "LAST"
	PositionAny         Position = "ANY"
	PositionAll         Position = "ALL"
)
