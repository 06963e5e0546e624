// Package engine compiles configuration documents into evaluation graphs,
// routes events through them, and performs the hot-update procedure that
// preserves or replaces nodes across config installs.
package engine

import "fmt"

// InvalidConfigCode classifies a configuration rejection.
type InvalidConfigCode string

const (
	CodeDuplicateID           InvalidConfigCode = "DUPLICATE_ID"
	CodeMissingDefinition     InvalidConfigCode = "MISSING_DEFINITION"
	CodeUnknownReference      InvalidConfigCode = "UNKNOWN_REFERENCE"
	CodeCycle                 InvalidConfigCode = "CYCLE"
	CodeTupleTooDeep          InvalidConfigCode = "TUPLE_TOO_DEEP"
	CodePositionAll           InvalidConfigCode = "POSITION_ALL"
	CodeBadNotCardinality     InvalidConfigCode = "BAD_NOT_CARDINALITY"
	CodeBadValueMatcher       InvalidConfigCode = "BAD_VALUE_MATCHER"
	CodeDuplicateActivation   InvalidConfigCode = "DUPLICATE_ACTIVATION"
	CodeNoReportUnknownMetric InvalidConfigCode = "NO_REPORT_UNKNOWN_METRIC"
	CodeRestrictedNotEvent    InvalidConfigCode = "RESTRICTED_NOT_EVENT"
	CodeStateAtomNotAllowed   InvalidConfigCode = "STATE_ATOM_NOT_ALLOWED"
	CodeBadMetric             InvalidConfigCode = "BAD_METRIC"
	CodeBadPredicate          InvalidConfigCode = "BAD_PREDICATE"
	CodeBadAlert              InvalidConfigCode = "BAD_ALERT"
	CodeBadAlarm              InvalidConfigCode = "BAD_ALARM"
)

// InvalidConfigError is the structured rejection a failed validation
// returns; the running graph is untouched when one is returned.
type InvalidConfigError struct {
	Code        InvalidConfigCode
	OffendingID int64
	Detail      string
}

// Error implements error.
func (e *InvalidConfigError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("engine: invalid config: %s (id %d)", e.Code, e.OffendingID)
	}
	return fmt.Sprintf("engine: invalid config: %s (id %d): %s", e.Code, e.OffendingID, e.Detail)
}

func invalid(code InvalidConfigCode, id int64, detail string) *InvalidConfigError {
	return &InvalidConfigError{Code: code, OffendingID: id, Detail: detail}
}
