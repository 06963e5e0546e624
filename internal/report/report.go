// Package report defines the structured values the engine emits: per-metric
// buckets with dimension, state and aggregate values, the uid-map delta,
// and the guardrail counter section. Byte layout on the way out is the
// caller's concern; everything here is plain data.
package report

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

// OverflowDimension is the tombstone key that absorbs aggregation beyond
// a metric's dimension cap.
const OverflowDimension = "__OVERFLOW__"

// Flags shape report emission, parsed from the configuration document.
type Flags struct {
	HashStrings           bool
	IncludeVersionStrings bool
	IncludeInstaller      bool
	TruncatedCertHashSize int
}

// DimField is one emitted dimension field. With string hashing on,
// StrHash replaces the literal for string-typed values.
type DimField struct {
	Path    string
	Value   model.Value
	StrHash uint64
}

// SliceValue is one (dimension, state-tuple) aggregate within a bucket.
// Exactly the fields for the metric's kind are meaningful.
type SliceValue struct {
	Dimension []DimField
	States    model.StateTuple

	Count      int64
	DurationNs int64

	Sum         float64
	Min         float64
	Max         float64
	SampleCount int64

	// Events carries event-metric payloads verbatim.
	Events []*model.LogEvent

	// GaugeValues carries sampled gauge fields.
	GaugeValues [][]DimField

	// KllSketch is the serialized sketch for kll metrics.
	KllSketch []byte
}

// Bucket is one sealed aggregation window. Partial marks windows closed
// early (app-upgrade splits, pre-update flushes); other windows end on the
// grid, (End-T0) mod B == 0, and span a full B unless they are the
// remainder of a split window, which starts at the split instant.
type Bucket struct {
	StartNs int64
	EndNs   int64
	Partial bool
	Values  []SliceValue
}

// MetricReport is one metric's section of a snapshot report.
type MetricReport struct {
	MetricID int64
	Kind     model.MetricKind
	Buckets  []Bucket
	// DroppedDimensions counts keys folded into the overflow tombstone
	// over the report's lifetime.
	DroppedDimensions int64
}

// Guardrails is the counter section; counters accumulate since install.
type Guardrails struct {
	EventParseFailures   int64
	PullFailures         int64
	PullTimeouts         int64
	DimensionOverflows   int64
	UidMapChangesDropped int64
	EventsDropped        int64
}

// ConfigReport is one config's full snapshot report.
type ConfigReport struct {
	ConfigKey  model.ConfigKey
	SnapshotID uuid.UUID
	DumpTimeNs int64
	Metrics    []MetricReport
	UidMap     *uidmap.Delta
	Guardrails Guardrails
	// StringPool lists the literals behind every emitted hash when string
	// hashing is on.
	StringPool []string
}

// StringPool deduplicates hashed strings for the report's string section.
type StringPool struct {
	enabled bool
	seen    map[string]struct{}
	strings []string
}

// NewStringPool creates a pool; a disabled pool hashes without recording.
func NewStringPool(enabled bool) *StringPool {
	return &StringPool{enabled: enabled, seen: make(map[string]struct{})}
}

// Hash records the string when enabled and returns its 64-bit hash.
func (p *StringPool) Hash(s string) uint64 {
	if p.enabled {
		if _, ok := p.seen[s]; !ok {
			p.seen[s] = struct{}{}
			p.strings = append(p.strings, s)
		}
	}
	return xxhash.Sum64String(s)
}

// Strings returns the recorded literals in first-seen order.
func (p *StringPool) Strings() []string { return p.strings }

// DimensionFields converts a dimension key for emission, hashing string
// literals through the pool when hashing is enabled.
func DimensionFields(dk model.DimensionKey, hashStrings bool, pool *StringPool) []DimField {
	values := dk.Values()
	if len(values) == 0 {
		return nil
	}
	out := make([]DimField, 0, len(values))
	for _, fv := range values {
		df := DimField{Path: fv.Field.Path.String(), Value: fv.Value}
		if hashStrings && fv.Value.Type == model.TypeString {
			df.StrHash = pool.Hash(fv.Value.Str)
			df.Value = model.Value{Type: model.TypeString}
		}
		out = append(out, df)
	}
	return out
}

// FieldValuesToDimFields converts arbitrary sampled values (gauge fields)
// the same way DimensionFields converts keys.
func FieldValuesToDimFields(values []model.FieldValue, hashStrings bool, pool *StringPool) []DimField {
	return DimensionFields(model.MakeDimensionKey(values), hashStrings, pool)
}
