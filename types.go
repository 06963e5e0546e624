package keiryo

import (
	"context"

	"github.com/ashita-ai/keiryo/internal/model"
)

// ConfigKey identifies one installed configuration: the uid of the
// supplying client plus the client-chosen config id.
type ConfigKey struct {
	UID int32
	ID  int64
}

// String formats the key the way logs and report filenames use it.
func (k ConfigKey) String() string { return model.ConfigKey(k).String() }

// ReportSink receives serialized snapshot reports. Byte layout is JSON of
// the engine's structured report values; sinks that need a different wire
// encoding re-encode downstream.
type ReportSink interface {
	WriteReport(ctx context.Context, key ConfigKey, payload []byte) error
}

// ReportSinkFunc adapts a function to the ReportSink interface.
type ReportSinkFunc func(ctx context.Context, key ConfigKey, payload []byte) error

// WriteReport implements ReportSink.
func (f ReportSinkFunc) WriteReport(ctx context.Context, key ConfigKey, payload []byte) error {
	return f(ctx, key, payload)
}

// FieldValue is one typed field of an event under construction. Fields
// addresses the path (up to three levels); exactly one value is used
// according to Kind.
type FieldValue struct {
	Fields []int32

	Int    int64
	Float  float64
	Str    string
	Bool   bool
	Kind   FieldKind

	// Annotations.
	UIDField       bool
	PrimaryKey     bool
	ExclusiveState bool
	Nested         bool
}

// FieldKind selects which payload of a FieldValue is meaningful.
type FieldKind int8

const (
	FieldInt FieldKind = iota
	FieldFloat
	FieldString
	FieldBool
)

// Event is a parsed log event under construction by an embedder.
type Event struct {
	Atom      int32
	ElapsedNs int64
	WallNs    int64
	UID       int32
	Values    []FieldValue

	// ResetState, when set, instructs state trackers to overwrite every
	// tracked primary key with the pointed-to value.
	ResetState *int32
}

func (e *Event) toModel() *model.LogEvent {
	values := make([]model.FieldValue, 0, len(e.Values))
	for _, v := range e.Values {
		var p model.FieldPath
		n := copy(p.Pos[:], v.Fields)
		p.Depth = int8(n)

		var val model.Value
		switch v.Kind {
		case FieldFloat:
			val = model.DoubleValue(v.Float)
		case FieldString:
			val = model.StringValue(v.Str)
		case FieldBool:
			val = model.BoolValue(v.Bool)
		default:
			val = model.LongValue(v.Int)
		}
		values = append(values, model.FieldValue{
			Field: model.Field{Path: p},
			Value: val,
			Annotations: model.ValueAnnotations{
				UIDField:       v.UIDField,
				PrimaryKey:     v.PrimaryKey,
				ExclusiveState: v.ExclusiveState,
				Nested:         v.Nested,
			},
		})
	}
	model.MarkLastFlags(values)
	ev := model.NewEvent(e.Atom, e.ElapsedNs, e.WallNs, e.UID, values)
	if e.ResetState != nil {
		ev.ResetState = *e.ResetState
	}
	return ev
}
