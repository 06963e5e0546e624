package engine

import (
	"github.com/ashita-ai/keiryo/internal/model"
)

// validateConfig checks every structural rule the compiler enforces and
// returns the topological evaluation order of matchers and predicates.
// It mutates nothing.
func validateConfig(cfg *model.Config) (matcherOrder, predicateOrder []int64, err *InvalidConfigError) {
	matcherByID := make(map[int64]*model.AtomMatcher, len(cfg.Matchers))
	for i := range cfg.Matchers {
		m := &cfg.Matchers[i]
		if _, dup := matcherByID[m.ID]; dup {
			return nil, nil, invalid(CodeDuplicateID, m.ID, "matcher id")
		}
		matcherByID[m.ID] = m
		if (m.Simple == nil) == (m.Combination == nil) {
			return nil, nil, invalid(CodeMissingDefinition, m.ID, "matcher needs exactly one of simple, combination")
		}
		if m.Simple != nil {
			if e := validateFieldMatchers(m.ID, m.Simple.FieldMatchers); e != nil {
				return nil, nil, e
			}
		}
		if m.Combination != nil {
			if e := validateCombination(m.ID, m.Combination); e != nil {
				return nil, nil, e
			}
		}
	}

	matcherOrder, cycleID := topoSortMatchers(cfg.Matchers, matcherByID)
	if matcherOrder == nil {
		return nil, nil, invalid(CodeCycle, cycleID, "matcher combination cycle")
	}
	for _, m := range cfg.Matchers {
		if m.Combination != nil {
			for _, child := range m.Combination.ChildIDs {
				if _, ok := matcherByID[child]; !ok {
					return nil, nil, invalid(CodeUnknownReference, m.ID, "unknown child matcher")
				}
			}
		}
	}

	predByID := make(map[int64]*model.Predicate, len(cfg.Predicates))
	for i := range cfg.Predicates {
		p := &cfg.Predicates[i]
		if _, dup := predByID[p.ID]; dup {
			return nil, nil, invalid(CodeDuplicateID, p.ID, "predicate id")
		}
		predByID[p.ID] = p
		if (p.Simple == nil) == (p.Combination == nil) {
			return nil, nil, invalid(CodeMissingDefinition, p.ID, "predicate needs exactly one of simple, combination")
		}
		if p.Simple != nil {
			if _, ok := matcherByID[p.Simple.Start]; !ok {
				return nil, nil, invalid(CodeUnknownReference, p.ID, "unknown start matcher")
			}
			if p.Simple.Stop != 0 {
				if _, ok := matcherByID[p.Simple.Stop]; !ok {
					return nil, nil, invalid(CodeUnknownReference, p.ID, "unknown stop matcher")
				}
			}
			if p.Simple.StopAll != 0 {
				if _, ok := matcherByID[p.Simple.StopAll]; !ok {
					return nil, nil, invalid(CodeUnknownReference, p.ID, "unknown stop_all matcher")
				}
			}
		}
		if p.Combination != nil {
			if e := validateCombination(p.ID, p.Combination); e != nil {
				return nil, nil, e
			}
			for _, child := range p.Combination.ChildIDs {
				if _, ok := predByID[child]; !ok {
					return nil, nil, invalid(CodeUnknownReference, p.ID, "unknown child predicate")
				}
			}
		}
	}

	predicateOrder, cycleID = topoSortPredicates(cfg.Predicates, predByID)
	if predicateOrder == nil {
		return nil, nil, invalid(CodeCycle, cycleID, "predicate combination cycle")
	}

	stateByAtom := make(map[int32]*model.StateDef, len(cfg.States))
	for i := range cfg.States {
		s := &cfg.States[i]
		if _, dup := stateByAtom[s.AtomID]; dup {
			return nil, nil, invalid(CodeDuplicateID, int64(s.AtomID), "state atom")
		}
		stateByAtom[s.AtomID] = s
	}

	whitelisted := make(map[int32]struct{}, len(cfg.WhitelistedAtomIDs))
	for _, a := range cfg.WhitelistedAtomIDs {
		whitelisted[a] = struct{}{}
	}

	metricIDs := make(map[int64]struct{}, len(cfg.Metrics))
	for i := range cfg.Metrics {
		m := &cfg.Metrics[i]
		if _, dup := metricIDs[m.ID]; dup {
			return nil, nil, invalid(CodeDuplicateID, m.ID, "metric id")
		}
		metricIDs[m.ID] = struct{}{}

		switch m.Kind {
		case model.MetricCount, model.MetricEvent, model.MetricGauge, model.MetricValue, model.MetricKll:
			if _, ok := matcherByID[m.What]; !ok {
				return nil, nil, invalid(CodeUnknownReference, m.ID, "unknown what matcher")
			}
		case model.MetricDuration:
			p, ok := predByID[m.What]
			if !ok {
				return nil, nil, invalid(CodeUnknownReference, m.ID, "unknown what predicate")
			}
			if p.Simple == nil {
				return nil, nil, invalid(CodeBadMetric, m.ID, "duration what must be a simple predicate")
			}
		default:
			return nil, nil, invalid(CodeBadMetric, m.ID, "unknown metric kind")
		}

		if m.Condition != 0 {
			if _, ok := predByID[m.Condition]; !ok {
				return nil, nil, invalid(CodeUnknownReference, m.ID, "unknown condition predicate")
			}
		}
		for _, link := range m.ConditionLinks {
			if _, ok := predByID[link.PredicateID]; !ok {
				return nil, nil, invalid(CodeUnknownReference, m.ID, "unknown linked predicate")
			}
		}
		for _, atomID := range m.SliceByState {
			if _, ok := stateByAtom[atomID]; !ok {
				return nil, nil, invalid(CodeUnknownReference, m.ID, "unknown state atom")
			}
			if isUidRestrictedAtom(atomID) {
				if _, ok := whitelisted[atomID]; !ok {
					return nil, nil, invalid(CodeStateAtomNotAllowed, m.ID, "state atom requires whitelisting")
				}
			}
		}
		if (m.Kind == model.MetricValue || m.Kind == model.MetricKll) && m.ValueField == nil {
			return nil, nil, invalid(CodeBadMetric, m.ID, "missing value_field")
		}
		if m.Kind == model.MetricDuration {
			switch m.DurationAggregation {
			case model.DurationSum, model.DurationMaxSparse, "":
			default:
				return nil, nil, invalid(CodeBadMetric, m.ID, "unknown duration aggregation")
			}
		}
		if cfg.RestrictedMetricsDelegate != "" && m.Kind != model.MetricEvent {
			return nil, nil, invalid(CodeRestrictedNotEvent, m.ID, "restricted mode allows only event metrics")
		}
	}

	seenActivation := make(map[int64]struct{}, len(cfg.Activations))
	for i := range cfg.Activations {
		a := &cfg.Activations[i]
		if _, ok := metricIDs[a.MetricID]; !ok {
			return nil, nil, invalid(CodeUnknownReference, a.MetricID, "activation for unknown metric")
		}
		if _, dup := seenActivation[a.MetricID]; dup {
			return nil, nil, invalid(CodeDuplicateActivation, a.MetricID, "")
		}
		seenActivation[a.MetricID] = struct{}{}
		for _, act := range a.Activations {
			if _, ok := matcherByID[act.MatcherID]; !ok {
				return nil, nil, invalid(CodeUnknownReference, a.MetricID, "unknown activation matcher")
			}
			if act.DeactivationMatcherID != 0 {
				if _, ok := matcherByID[act.DeactivationMatcherID]; !ok {
					return nil, nil, invalid(CodeUnknownReference, a.MetricID, "unknown deactivation matcher")
				}
			}
		}
	}

	alertIDs := make(map[int64]struct{}, len(cfg.Alerts))
	for i := range cfg.Alerts {
		a := &cfg.Alerts[i]
		if _, dup := alertIDs[a.ID]; dup {
			return nil, nil, invalid(CodeDuplicateID, a.ID, "alert id")
		}
		alertIDs[a.ID] = struct{}{}
		if _, ok := metricIDs[a.MetricID]; !ok {
			return nil, nil, invalid(CodeUnknownReference, a.ID, "alert for unknown metric")
		}
		if a.NumBuckets <= 0 {
			return nil, nil, invalid(CodeBadAlert, a.ID, "num_buckets must be positive")
		}
	}

	alarmIDs := make(map[int64]struct{}, len(cfg.Alarms))
	for i := range cfg.Alarms {
		a := &cfg.Alarms[i]
		if _, dup := alarmIDs[a.ID]; dup {
			return nil, nil, invalid(CodeDuplicateID, a.ID, "alarm id")
		}
		alarmIDs[a.ID] = struct{}{}
		if a.PeriodMs <= 0 {
			return nil, nil, invalid(CodeBadAlarm, a.ID, "period must be positive")
		}
	}

	for _, id := range cfg.NoReportMetrics {
		if _, ok := metricIDs[id]; !ok {
			return nil, nil, invalid(CodeNoReportUnknownMetric, id, "")
		}
	}

	return matcherOrder, predicateOrder, nil
}

func validateCombination(id int64, c *model.Combination) *InvalidConfigError {
	if len(c.ChildIDs) == 0 {
		return invalid(CodeMissingDefinition, id, "combination without children")
	}
	if c.Operation == model.LogicalNot && len(c.ChildIDs) != 1 {
		return invalid(CodeBadNotCardinality, id, "")
	}
	return nil
}

func validateFieldMatchers(id int64, fms []model.FieldValueMatcher) *InvalidConfigError {
	for i := range fms {
		fm := &fms[i]
		if fm.Position == model.PositionAll {
			return invalid(CodePositionAll, id, "")
		}
		if fm.CaseCount() != 1 {
			return invalid(CodeBadValueMatcher, id, "exactly one value matcher case required")
		}
		if fm.TupleDepth() > 2 {
			return invalid(CodeTupleTooDeep, id, "")
		}
		if len(fm.MatchesTuple) > 0 {
			if e := validateFieldMatchers(id, fm.MatchesTuple); e != nil {
				return e
			}
		}
	}
	return nil
}

// topoSortMatchers orders matcher ids children-first with a tri-state DFS;
// on a cycle it returns nil and the id of the matcher whose traversal
// reached the cycle, which is a cycle member or an ancestor of one.
func topoSortMatchers(matchers []model.AtomMatcher, byID map[int64]*model.AtomMatcher) ([]int64, int64) {
	const (
		unvisited = 0
		inProgress = 1
		done      = 2
	)
	marks := make(map[int64]int, len(matchers))
	order := make([]int64, 0, len(matchers))

	var visit func(id int64) bool
	visit = func(id int64) bool {
		switch marks[id] {
		case done:
			return true
		case inProgress:
			return false
		}
		marks[id] = inProgress
		m := byID[id]
		if m != nil && m.Combination != nil {
			for _, child := range m.Combination.ChildIDs {
				if _, ok := byID[child]; ok {
					if !visit(child) {
						return false
					}
				}
			}
		}
		marks[id] = done
		order = append(order, id)
		return true
	}

	for i := range matchers {
		if !visit(matchers[i].ID) {
			return nil, matchers[i].ID
		}
	}
	return order, 0
}

func topoSortPredicates(preds []model.Predicate, byID map[int64]*model.Predicate) ([]int64, int64) {
	const (
		unvisited = 0
		inProgress = 1
		done      = 2
	)
	marks := make(map[int64]int, len(preds))
	order := make([]int64, 0, len(preds))

	var visit func(id int64) bool
	visit = func(id int64) bool {
		switch marks[id] {
		case done:
			return true
		case inProgress:
			return false
		}
		marks[id] = inProgress
		p := byID[id]
		if p != nil && p.Combination != nil {
			for _, child := range p.Combination.ChildIDs {
				if _, ok := byID[child]; ok {
					if !visit(child) {
						return false
					}
				}
			}
		}
		marks[id] = done
		order = append(order, id)
		return true
	}

	for i := range preds {
		if !visit(preds[i].ID) {
			return nil, preds[i].ID
		}
	}
	return order, 0
}

// isUidRestrictedAtom marks state atoms whose slicing needs an explicit
// whitelist entry. The restricted range mirrors the platform's
// uid-carrying state atoms.
func isUidRestrictedAtom(atomID int32) bool {
	return atomID >= 9999 && atomID <= 10200
}
