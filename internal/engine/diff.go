package engine

import (
	"encoding/json"

	"github.com/ashita-ai/keiryo/internal/model"
)

// UpdateStatus is the per-node outcome of a configuration diff.
type UpdateStatus int8

const (
	// StatusNew marks a node with no predecessor of the same id.
	StatusNew UpdateStatus = iota
	// StatusPreserve keeps the old node and its state.
	StatusPreserve
	// StatusReplace builds a fresh node; old state is flushed and
	// discarded.
	StatusReplace
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusPreserve:
		return "preserve"
	case StatusReplace:
		return "replace"
	default:
		return "new"
	}
}

// canonical serializes a definition node with stable field order; equal
// definitions produce byte-identical serializations.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// diffState captures the old graph's definitions for comparison.
type diffState struct {
	oldMatchers   map[int64]string
	oldPredicates map[int64]string
	oldStates     map[int32]string
	oldMetrics    map[int64]string
	oldAlerts     map[int64]string
}

func newDiffState(old *model.Config) *diffState {
	d := &diffState{
		oldMatchers:   make(map[int64]string),
		oldPredicates: make(map[int64]string),
		oldStates:     make(map[int32]string),
		oldMetrics:    make(map[int64]string),
		oldAlerts:     make(map[int64]string),
	}
	if old == nil {
		return d
	}
	for i := range old.Matchers {
		d.oldMatchers[old.Matchers[i].ID] = canonical(&old.Matchers[i])
	}
	for i := range old.Predicates {
		d.oldPredicates[old.Predicates[i].ID] = canonical(&old.Predicates[i])
	}
	for i := range old.States {
		d.oldStates[old.States[i].AtomID] = canonical(&old.States[i])
	}
	for i := range old.Metrics {
		d.oldMetrics[old.Metrics[i].ID] = canonical(metricDiffView(old, &old.Metrics[i]))
	}
	for i := range old.Alerts {
		d.oldAlerts[old.Alerts[i].ID] = canonical(&old.Alerts[i])
	}
	return d
}

// metricDiffView widens a metric definition with the pieces whose change
// must replace the producer even though they live outside the Metric
// struct: its activation spec and the state definitions it slices by.
func metricDiffView(cfg *model.Config, m *model.Metric) any {
	view := struct {
		Metric     *model.Metric
		Activation *model.MetricActivation
		States     []model.StateDef
	}{Metric: m}
	for i := range cfg.Activations {
		if cfg.Activations[i].MetricID == m.ID {
			view.Activation = &cfg.Activations[i]
			break
		}
	}
	for _, atomID := range m.SliceByState {
		for i := range cfg.States {
			if cfg.States[i].AtomID == atomID {
				view.States = append(view.States, cfg.States[i])
			}
		}
	}
	return view
}

// diffResult holds every node's decided status.
type diffResult struct {
	matchers   map[int64]UpdateStatus
	predicates map[int64]UpdateStatus
	metrics    map[int64]UpdateStatus
	alerts     map[int64]UpdateStatus
}

// tri-state DFS markers for the decision procedure.
type diffMark int8

const (
	markUnknown diffMark = iota
	markInProgress
	markDone
)

// computeDiff runs the preserve/replace decision procedure for the new
// config against the old one. Statuses for ids absent from the new config
// simply do not appear (those nodes are removed).
func computeDiff(old, next *model.Config) *diffResult {
	d := newDiffState(old)
	res := &diffResult{
		matchers:   make(map[int64]UpdateStatus),
		predicates: make(map[int64]UpdateStatus),
		metrics:    make(map[int64]UpdateStatus),
		alerts:     make(map[int64]UpdateStatus),
	}

	matcherByID := make(map[int64]*model.AtomMatcher)
	for i := range next.Matchers {
		matcherByID[next.Matchers[i].ID] = &next.Matchers[i]
	}
	predByID := make(map[int64]*model.Predicate)
	for i := range next.Predicates {
		predByID[next.Predicates[i].ID] = &next.Predicates[i]
	}

	// Matchers: a single DFS decides each node once; a combination whose
	// child is anything but preserve is replaced, because the child's
	// index in the new graph may differ.
	marks := make(map[int64]diffMark)
	var matcherStatus func(id int64) UpdateStatus
	matcherStatus = func(id int64) UpdateStatus {
		if s, ok := res.matchers[id]; ok && marks[id] == markDone {
			return s
		}
		if marks[id] == markInProgress {
			// Cycles are rejected at validation; treat defensively.
			return StatusReplace
		}
		marks[id] = markInProgress
		m := matcherByID[id]
		status := StatusNew
		if oldSer, existed := d.oldMatchers[id]; existed {
			if oldSer == canonical(m) {
				status = StatusPreserve
				if m.Combination != nil {
					for _, child := range m.Combination.ChildIDs {
						if matcherStatus(child) != StatusPreserve {
							status = StatusReplace
							break
						}
					}
				}
			} else {
				status = StatusReplace
			}
		}
		marks[id] = markDone
		res.matchers[id] = status
		return status
	}
	for id := range matcherByID {
		matcherStatus(id)
	}

	// Predicates: depend on their matchers (simple) or child predicates
	// (combination).
	predMarks := make(map[int64]diffMark)
	var predStatus func(id int64) UpdateStatus
	predStatus = func(id int64) UpdateStatus {
		if s, ok := res.predicates[id]; ok && predMarks[id] == markDone {
			return s
		}
		if predMarks[id] == markInProgress {
			return StatusReplace
		}
		predMarks[id] = markInProgress
		p := predByID[id]
		status := StatusNew
		if oldSer, existed := d.oldPredicates[id]; existed {
			status = StatusPreserve
			if oldSer != canonical(p) {
				status = StatusReplace
			} else if p.Simple != nil {
				deps := []int64{p.Simple.Start}
				if p.Simple.Stop != 0 {
					deps = append(deps, p.Simple.Stop)
				}
				if p.Simple.StopAll != 0 {
					deps = append(deps, p.Simple.StopAll)
				}
				for _, dep := range deps {
					if res.matchers[dep] != StatusPreserve {
						status = StatusReplace
						break
					}
				}
			} else if p.Combination != nil {
				for _, child := range p.Combination.ChildIDs {
					if predStatus(child) != StatusPreserve {
						status = StatusReplace
						break
					}
				}
			}
		}
		predMarks[id] = markDone
		res.predicates[id] = status
		return status
	}
	for id := range predByID {
		predStatus(id)
	}

	// Metrics: definition (widened with activations and state defs) plus
	// the what / condition / linked dependencies.
	for i := range next.Metrics {
		m := &next.Metrics[i]
		status := StatusNew
		if oldSer, existed := d.oldMetrics[m.ID]; existed {
			status = StatusPreserve
			if oldSer != canonical(metricDiffView(next, m)) {
				status = StatusReplace
			} else {
				var depOK bool
				if m.Kind == model.MetricDuration {
					depOK = res.predicates[m.What] == StatusPreserve
				} else {
					depOK = res.matchers[m.What] == StatusPreserve
				}
				if depOK && m.Condition != 0 {
					depOK = res.predicates[m.Condition] == StatusPreserve
				}
				for _, link := range m.ConditionLinks {
					if !depOK {
						break
					}
					depOK = res.predicates[link.PredicateID] == StatusPreserve
				}
				for ai := range next.Activations {
					if !depOK || next.Activations[ai].MetricID != m.ID {
						continue
					}
					for _, act := range next.Activations[ai].Activations {
						if res.matchers[act.MatcherID] != StatusPreserve {
							depOK = false
							break
						}
						if act.DeactivationMatcherID != 0 && res.matchers[act.DeactivationMatcherID] != StatusPreserve {
							depOK = false
							break
						}
					}
				}
				if !depOK {
					status = StatusReplace
				}
			}
		}
		res.metrics[m.ID] = status
	}

	// Alerts: their own definition plus the referenced metric.
	for i := range next.Alerts {
		a := &next.Alerts[i]
		status := StatusNew
		if oldSer, existed := d.oldAlerts[a.ID]; existed {
			status = StatusPreserve
			if oldSer != canonical(a) || res.metrics[a.MetricID] != StatusPreserve {
				status = StatusReplace
			}
		}
		res.alerts[a.ID] = status
	}

	return res
}
