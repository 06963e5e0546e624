package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ConfigKey identifies one installed configuration: the uid of the
// supplying client plus the client-chosen config id.
type ConfigKey struct {
	UID int32 `json:"uid" yaml:"uid"`
	ID  int64 `json:"id" yaml:"id"`
}

func (k ConfigKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.UID, k.ID)
}

// LogicalOperation is the combinator of combination matchers and predicates.
type LogicalOperation string

const (
	LogicalUnspecified LogicalOperation = ""
	LogicalAnd         LogicalOperation = "AND"
	LogicalOr          LogicalOperation = "OR"
	LogicalNot         LogicalOperation = "NOT"
	LogicalNand        LogicalOperation = "NAND"
	LogicalNor         LogicalOperation = "NOR"
)

// Config is the schema-typed configuration document. A new document for an
// already-installed ConfigKey triggers the hot-update procedure.
type Config struct {
	Matchers    []AtomMatcher      `json:"matchers,omitempty" yaml:"matchers,omitempty"`
	Predicates  []Predicate        `json:"predicates,omitempty" yaml:"predicates,omitempty"`
	States      []StateDef         `json:"states,omitempty" yaml:"states,omitempty"`
	Metrics     []Metric           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Alerts      []Alert            `json:"alerts,omitempty" yaml:"alerts,omitempty"`
	Alarms      []Alarm            `json:"alarms,omitempty" yaml:"alarms,omitempty"`
	Activations []MetricActivation `json:"activations,omitempty" yaml:"activations,omitempty"`

	NoReportMetrics    []int64 `json:"no_report_metrics,omitempty" yaml:"no_report_metrics,omitempty"`
	WhitelistedAtomIDs []int32 `json:"whitelisted_atom_ids,omitempty" yaml:"whitelisted_atom_ids,omitempty"`

	// RestrictedMetricsDelegate puts the config in restricted-metric mode;
	// validation then requires every metric to be an event metric.
	RestrictedMetricsDelegate string `json:"restricted_metrics_delegate_package_name,omitempty" yaml:"restricted_metrics_delegate_package_name,omitempty"`

	// Report shaping options.
	HashStringsInReport      bool `json:"hash_strings_in_metric_report,omitempty" yaml:"hash_strings_in_metric_report,omitempty"`
	VersionStringsInReport   bool `json:"version_strings_in_metric_report,omitempty" yaml:"version_strings_in_metric_report,omitempty"`
	InstallerInReport        bool `json:"installer_in_metric_report,omitempty" yaml:"installer_in_metric_report,omitempty"`
	TruncatedCertHashSize    int  `json:"truncated_certificate_hash_size,omitempty" yaml:"truncated_certificate_hash_size,omitempty"`
	SplitBucketForAppUpgrade bool `json:"split_bucket_for_app_upgrade,omitempty" yaml:"split_bucket_for_app_upgrade,omitempty"`
}

// ParseConfig decodes a configuration document. JSON is canonical; a
// document whose first non-space byte is not '{' is parsed as YAML.
func ParseConfig(data []byte) (*Config, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("model: empty configuration document")
	}
	cfg := &Config{}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, cfg); err != nil {
			return nil, fmt.Errorf("model: parse config json: %w", err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(trimmed, cfg); err != nil {
		return nil, fmt.Errorf("model: parse config yaml: %w", err)
	}
	return cfg, nil
}

// AtomMatcher declares either a simple matcher over one atom or a logical
// combination of other matchers. Exactly one of Simple and Combination is
// set in a valid document.
type AtomMatcher struct {
	ID          int64              `json:"id" yaml:"id"`
	Simple      *SimpleAtomMatcher `json:"simple,omitempty" yaml:"simple,omitempty"`
	Combination *Combination       `json:"combination,omitempty" yaml:"combination,omitempty"`
}

// SimpleAtomMatcher matches events of one atom whose fields satisfy every
// listed FieldValueMatcher.
type SimpleAtomMatcher struct {
	Atom          int32               `json:"atom" yaml:"atom"`
	FieldMatchers []FieldValueMatcher `json:"field_matchers,omitempty" yaml:"field_matchers,omitempty"`
}

// Combination is a logical tree node over sibling ids.
type Combination struct {
	Operation LogicalOperation `json:"operation" yaml:"operation"`
	ChildIDs  []int64          `json:"child_ids" yaml:"child_ids"`
}

// FieldValueMatcher is one predicate over a single field of an atom.
// Exactly one of the value-matcher cases is set in a valid document.
type FieldValueMatcher struct {
	Field    int32    `json:"field" yaml:"field"`
	Position Position `json:"position,omitempty" yaml:"position,omitempty"`

	EqBool               *bool               `json:"eq_bool,omitempty" yaml:"eq_bool,omitempty"`
	EqString             *string             `json:"eq_string,omitempty" yaml:"eq_string,omitempty"`
	EqAnyString          []string            `json:"eq_any_string,omitempty" yaml:"eq_any_string,omitempty"`
	NeqAnyString         []string            `json:"neq_any_string,omitempty" yaml:"neq_any_string,omitempty"`
	EqWildcardString     *string             `json:"eq_wildcard_string,omitempty" yaml:"eq_wildcard_string,omitempty"`
	EqAnyWildcardString  []string            `json:"eq_any_wildcard_string,omitempty" yaml:"eq_any_wildcard_string,omitempty"`
	NeqAnyWildcardString []string            `json:"neq_any_wildcard_string,omitempty" yaml:"neq_any_wildcard_string,omitempty"`
	EqInt                *int64              `json:"eq_int,omitempty" yaml:"eq_int,omitempty"`
	EqAnyInt             []int64             `json:"eq_any_int,omitempty" yaml:"eq_any_int,omitempty"`
	NeqAnyInt            []int64             `json:"neq_any_int,omitempty" yaml:"neq_any_int,omitempty"`
	LtInt                *int64              `json:"lt_int,omitempty" yaml:"lt_int,omitempty"`
	GtInt                *int64              `json:"gt_int,omitempty" yaml:"gt_int,omitempty"`
	LteInt               *int64              `json:"lte_int,omitempty" yaml:"lte_int,omitempty"`
	GteInt               *int64              `json:"gte_int,omitempty" yaml:"gte_int,omitempty"`
	LtFloat              *float64            `json:"lt_float,omitempty" yaml:"lt_float,omitempty"`
	GtFloat              *float64            `json:"gt_float,omitempty" yaml:"gt_float,omitempty"`
	MatchesTuple         []FieldValueMatcher `json:"matches_tuple,omitempty" yaml:"matches_tuple,omitempty"`
}

// CaseCount returns how many value-matcher cases are set; validation
// requires exactly one.
func (m *FieldValueMatcher) CaseCount() int {
	n := 0
	if m.EqBool != nil {
		n++
	}
	if m.EqString != nil {
		n++
	}
	if len(m.EqAnyString) > 0 {
		n++
	}
	if len(m.NeqAnyString) > 0 {
		n++
	}
	if m.EqWildcardString != nil {
		n++
	}
	if len(m.EqAnyWildcardString) > 0 {
		n++
	}
	if len(m.NeqAnyWildcardString) > 0 {
		n++
	}
	if m.EqInt != nil {
		n++
	}
	if len(m.EqAnyInt) > 0 {
		n++
	}
	if len(m.NeqAnyInt) > 0 {
		n++
	}
	if m.LtInt != nil {
		n++
	}
	if m.GtInt != nil {
		n++
	}
	if m.LteInt != nil {
		n++
	}
	if m.GteInt != nil {
		n++
	}
	if m.LtFloat != nil {
		n++
	}
	if m.GtFloat != nil {
		n++
	}
	if len(m.MatchesTuple) > 0 {
		n++
	}
	return n
}

// TupleDepth returns the deepest matches_tuple nesting below this matcher.
func (m *FieldValueMatcher) TupleDepth() int {
	depth := 0
	for i := range m.MatchesTuple {
		if d := m.MatchesTuple[i].TupleDepth() + 1; d > depth {
			depth = d
		}
	}
	return depth
}

// ConditionState is three-valued condition truth.
type ConditionState int8

const (
	ConditionUnknown ConditionState = iota
	ConditionFalse
	ConditionTrue
)

func (s ConditionState) String() string {
	switch s {
	case ConditionFalse:
		return "false"
	case ConditionTrue:
		return "true"
	default:
		return "unknown"
	}
}

// And folds two states with Kleene three-valued AND.
func (s ConditionState) And(o ConditionState) ConditionState {
	if s == ConditionFalse || o == ConditionFalse {
		return ConditionFalse
	}
	if s == ConditionTrue && o == ConditionTrue {
		return ConditionTrue
	}
	return ConditionUnknown
}

// Or folds two states with Kleene three-valued OR.
func (s ConditionState) Or(o ConditionState) ConditionState {
	if s == ConditionTrue || o == ConditionTrue {
		return ConditionTrue
	}
	if s == ConditionFalse && o == ConditionFalse {
		return ConditionFalse
	}
	return ConditionUnknown
}

// Not negates with Kleene semantics; unknown stays unknown.
func (s ConditionState) Not() ConditionState {
	switch s {
	case ConditionTrue:
		return ConditionFalse
	case ConditionFalse:
		return ConditionTrue
	default:
		return ConditionUnknown
	}
}

// MarshalJSON emits the textual form so canonical serializations stay
// readable and stable.
func (s ConditionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the textual form.
func (s *ConditionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return s.fromString(str)
}

// MarshalYAML emits the textual form.
func (s ConditionState) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML accepts the textual form.
func (s *ConditionState) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	return s.fromString(str)
}

func (s *ConditionState) fromString(str string) error {
	switch str {
	case "false", "FALSE":
		*s = ConditionFalse
	case "true", "TRUE":
		*s = ConditionTrue
	case "unknown", "UNKNOWN", "":
		*s = ConditionUnknown
	default:
		return fmt.Errorf("model: bad condition state %q", str)
	}
	return nil
}

// Predicate declares either a simple sliced condition or a combination of
// other predicates.
type Predicate struct {
	ID          int64            `json:"id" yaml:"id"`
	Simple      *SimplePredicate `json:"simple,omitempty" yaml:"simple,omitempty"`
	Combination *Combination     `json:"combination,omitempty" yaml:"combination,omitempty"`
}

// SimplePredicate tracks start/stop/stop-all matcher outcomes, optionally
// sliced by a dimension projection.
type SimplePredicate struct {
	Start        int64          `json:"start" yaml:"start"`
	Stop         int64          `json:"stop,omitempty" yaml:"stop,omitempty"`
	StopAll      int64          `json:"stop_all,omitempty" yaml:"stop_all,omitempty"`
	CountNesting bool           `json:"count_nesting,omitempty" yaml:"count_nesting,omitempty"`
	Dimensions   []FieldRef     `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	InitialValue ConditionState `json:"initial_value,omitempty" yaml:"initial_value,omitempty"`
}

// StateGroup names a set of raw state values reported as one group value.
type StateGroup struct {
	GroupID int32   `json:"group_id" yaml:"group_id"`
	Values  []int32 `json:"values" yaml:"values"`
}

// StateDef declares a state atom the config's metrics may slice by.
type StateDef struct {
	AtomID        int32        `json:"atom_id" yaml:"atom_id"`
	Nested        bool         `json:"nested,omitempty" yaml:"nested,omitempty"`
	PrimaryFields []FieldRef   `json:"primary_fields,omitempty" yaml:"primary_fields,omitempty"`
	StateMap      []StateGroup `json:"state_map,omitempty" yaml:"state_map,omitempty"`
}

// MapState translates a raw state value through the state map; values not
// covered by any group pass through unchanged.
func (d *StateDef) MapState(raw int32) int32 {
	for i := range d.StateMap {
		for _, v := range d.StateMap[i].Values {
			if v == raw {
				return d.StateMap[i].GroupID
			}
		}
	}
	return raw
}

// MetricKind selects the producer family.
type MetricKind string

const (
	MetricCount    MetricKind = "COUNT"
	MetricDuration MetricKind = "DURATION"
	MetricEvent    MetricKind = "EVENT"
	MetricGauge    MetricKind = "GAUGE"
	MetricValue    MetricKind = "VALUE"
	MetricKll      MetricKind = "KLL"
)

// DurationAggregation selects how duration intervals fold into a bucket.
type DurationAggregation string

const (
	DurationSum       DurationAggregation = "SUM"
	DurationMaxSparse DurationAggregation = "MAX_SPARSE"
)

// ValueAggregation selects how value samples fold into a bucket.
type ValueAggregation string

const (
	ValueSum ValueAggregation = "SUM"
	ValueMin ValueAggregation = "MIN"
	ValueMax ValueAggregation = "MAX"
	ValueAvg ValueAggregation = "AVG"
)

// GaugeTrigger selects the instants a gauge metric samples at.
type GaugeTrigger string

const (
	GaugeRandomOneSample       GaugeTrigger = "RANDOM_ONE_SAMPLE"
	GaugeAllConditionChanges   GaugeTrigger = "ALL_CONDITION_CHANGES"
	GaugeConditionChangeToTrue GaugeTrigger = "CONDITION_CHANGE_TO_TRUE"
	GaugeFirstNSamples         GaugeTrigger = "FIRST_N_SAMPLES"
)

// ConditionLink joins a metric's event dimensions to the dimensions of its
// gating predicate, so sliced conditions gate per matching slice.
type ConditionLink struct {
	PredicateID     int64      `json:"predicate_id" yaml:"predicate_id"`
	EventFields     []FieldRef `json:"event_fields" yaml:"event_fields"`
	PredicateFields []FieldRef `json:"predicate_fields" yaml:"predicate_fields"`
}

// StateLink binds a metric's event fields to a state tracker's primary-key
// fields for state slicing.
type StateLink struct {
	StateAtomID int32      `json:"state_atom_id" yaml:"state_atom_id"`
	EventFields []FieldRef `json:"event_fields" yaml:"event_fields"`
	StateFields []FieldRef `json:"state_fields" yaml:"state_fields"`
}

// Metric declares one producer. What references a matcher id for every
// kind except duration, where it references a predicate id.
type Metric struct {
	ID   int64      `json:"id" yaml:"id"`
	Kind MetricKind `json:"kind" yaml:"kind"`

	What           int64           `json:"what" yaml:"what"`
	Condition      int64           `json:"condition,omitempty" yaml:"condition,omitempty"`
	ConditionLinks []ConditionLink `json:"condition_links,omitempty" yaml:"condition_links,omitempty"`
	SliceByState   []int32         `json:"slice_by_state,omitempty" yaml:"slice_by_state,omitempty"`
	StateLinks     []StateLink     `json:"state_links,omitempty" yaml:"state_links,omitempty"`
	Dimensions     []FieldRef      `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`

	BucketSizeMs           int64 `json:"bucket_size_ms" yaml:"bucket_size_ms"`
	MaxDimensionsPerBucket int   `json:"max_dimensions_per_bucket,omitempty" yaml:"max_dimensions_per_bucket,omitempty"`

	// Duration.
	DurationAggregation DurationAggregation `json:"duration_aggregation,omitempty" yaml:"duration_aggregation,omitempty"`

	// Event.
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`

	// Gauge.
	GaugeTrigger              GaugeTrigger `json:"gauge_trigger,omitempty" yaml:"gauge_trigger,omitempty"`
	GaugeFields               []FieldRef   `json:"gauge_fields,omitempty" yaml:"gauge_fields,omitempty"`
	MaxGaugeAtomsPerBucket    int          `json:"max_num_gauge_atoms_per_bucket,omitempty" yaml:"max_num_gauge_atoms_per_bucket,omitempty"`
	PullAtom                  int32        `json:"pull_atom,omitempty" yaml:"pull_atom,omitempty"`

	// Value and KLL.
	ValueField         *FieldRef        `json:"value_field,omitempty" yaml:"value_field,omitempty"`
	ValueAggregation   ValueAggregation `json:"value_aggregation,omitempty" yaml:"value_aggregation,omitempty"`
	UseDiff            bool             `json:"use_diff,omitempty" yaml:"use_diff,omitempty"`
	SkipZeroDiffOutput bool             `json:"skip_zero_diff_output,omitempty" yaml:"skip_zero_diff_output,omitempty"`
}

// Alert watches the trailing bucket sums of one metric.
type Alert struct {
	ID               int64   `json:"id" yaml:"id"`
	MetricID         int64   `json:"metric_id" yaml:"metric_id"`
	NumBuckets       int     `json:"num_buckets" yaml:"num_buckets"`
	TriggerIfSumGt   float64 `json:"trigger_if_sum_gt" yaml:"trigger_if_sum_gt"`
	RefractorySecs   int64   `json:"refractory_period_secs" yaml:"refractory_period_secs"`
}

// Alarm fires periodically on the wall clock.
type Alarm struct {
	ID       int64 `json:"id" yaml:"id"`
	OffsetMs int64 `json:"offset_ms" yaml:"offset_ms"`
	PeriodMs int64 `json:"period_ms" yaml:"period_ms"`
}

// ActivationType selects when an activation's TTL window starts.
type ActivationType string

const (
	ActivateImmediately ActivationType = "ACTIVATE_IMMEDIATELY"
	ActivateOnBoot      ActivationType = "ACTIVATE_ON_BOOT"
)

// EventActivation is one trigger of a metric activation.
type EventActivation struct {
	MatcherID             int64          `json:"matcher_id" yaml:"matcher_id"`
	TTLSeconds            int64          `json:"ttl_seconds" yaml:"ttl_seconds"`
	Type                  ActivationType `json:"type,omitempty" yaml:"type,omitempty"`
	DeactivationMatcherID int64          `json:"deactivation_matcher_id,omitempty" yaml:"deactivation_matcher_id,omitempty"`
}

// MetricActivation gates a metric until one of its activations fires. At
// most one MetricActivation per metric is allowed.
type MetricActivation struct {
	MetricID    int64             `json:"metric_id" yaml:"metric_id"`
	Activations []EventActivation `json:"activations" yaml:"activations"`
}
