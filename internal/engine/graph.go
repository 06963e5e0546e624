package engine

import (
	"log/slog"
	"math/rand"

	"github.com/ashita-ai/keiryo/internal/alarm"
	"github.com/ashita-ai/keiryo/internal/condition"
	"github.com/ashita-ai/keiryo/internal/matcher"
	"github.com/ashita-ai/keiryo/internal/metrics"
	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
	"github.com/ashita-ai/keiryo/internal/state"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

// conditionWizard lets producers query conditions by index. One wizard
// instance lives per config key and survives installs; the swap step
// repoints it at the new runtime so preserved producers keep working.
type conditionWizard struct {
	rt *configRuntime
}

// Query implements metrics.Wizard.
func (w *conditionWizard) Query(conditionIndex int, dim model.DimensionKey) model.ConditionState {
	rt := w.rt
	if rt == nil || conditionIndex < 0 || conditionIndex >= len(rt.conditions) {
		return model.ConditionUnknown
	}
	return rt.conditions[conditionIndex].Query(dim)
}

// stateQuerier adapts the shared state manager to metrics.StateQuerier.
type stateQuerier struct {
	mgr *state.Manager
}

// StateValue implements metrics.StateQuerier.
func (q stateQuerier) StateValue(atomID int32, primaryKey model.DimensionKey) int32 {
	t := q.mgr.Tracker(atomID)
	if t == nil {
		return model.StateUnknown
	}
	return t.StateValue(primaryKey)
}

type stateReg struct {
	tracker  *state.Tracker
	listener state.Listener
}

// configRuntime is one installed configuration's evaluation graph.
type configRuntime struct {
	key        model.ConfigKey
	cfg        *model.Config
	flags      report.Flags
	timeBaseNs int64

	matchers     []*matcher.Tracker
	matcherIndex map[int64]int

	conditions     []condition.Tracker
	conditionIndex map[int64]int

	producers     []metrics.Producer
	producerIndex map[int64]int

	anomalies map[int64]*metrics.AnomalyTracker

	alarms []*alarm.Tracker

	tagToMatchers           map[int32][]int
	matcherToProducers      map[int][]int
	conditionToProducers    map[int][]int
	activationToProducers   map[int][]int
	deactivationToProducers map[int][]int

	stateRegs []stateReg
	noReport  map[int64]struct{}

	// preUpdate accumulates the final reports of replaced producers,
	// flushed at install time and emitted with the next snapshot.
	preUpdate []report.MetricReport

	// deferred holds mutations of preserved (still-live) nodes: index
	// rewires, activation re-registration, pre-update flushes. They run
	// under the engine lock immediately before the swap so staging never
	// races the ingest task.
	deferred []func()
}

// buildDeps carries the engine-owned collaborators a build needs.
type buildDeps struct {
	states   *state.Manager
	alarms   *alarm.Monitor
	counters *metrics.Counters
	logger   *slog.Logger
	rng      *rand.Rand
	wizard   *conditionWizard
}

// buildRuntime validates cfg and stages a full runtime. When old is
// non-nil the preserve/replace decision procedure transfers preserved
// node state. Nothing touches the live graph; the caller swaps under the
// engine lock.
func buildRuntime(key model.ConfigKey, cfg *model.Config, timeBaseNs, nowNs int64, deps buildDeps, old *configRuntime) (*configRuntime, *InvalidConfigError) {
	matcherOrder, predicateOrder, verr := validateConfig(cfg)
	if verr != nil {
		return nil, verr
	}

	var diff *diffResult
	if old != nil {
		diff = computeDiff(old.cfg, cfg)
	}

	rt := &configRuntime{
		key:        key,
		cfg:        cfg,
		timeBaseNs: timeBaseNs,
		flags: report.Flags{
			HashStrings:           cfg.HashStringsInReport,
			IncludeVersionStrings: cfg.VersionStringsInReport,
			IncludeInstaller:      cfg.InstallerInReport,
			TruncatedCertHashSize: cfg.TruncatedCertHashSize,
		},
		matcherIndex:            make(map[int64]int),
		conditionIndex:          make(map[int64]int),
		producerIndex:           make(map[int64]int),
		anomalies:               make(map[int64]*metrics.AnomalyTracker),
		tagToMatchers:           make(map[int32][]int),
		matcherToProducers:      make(map[int][]int),
		conditionToProducers:    make(map[int][]int),
		activationToProducers:   make(map[int][]int),
		deactivationToProducers: make(map[int][]int),
		noReport:                make(map[int64]struct{}),
	}

	matcherByID := make(map[int64]*model.AtomMatcher)
	for i := range cfg.Matchers {
		matcherByID[cfg.Matchers[i].ID] = &cfg.Matchers[i]
	}
	predByID := make(map[int64]*model.Predicate)
	for i := range cfg.Predicates {
		predByID[cfg.Predicates[i].ID] = &cfg.Predicates[i]
	}

	// Matchers are pure; fresh trackers are built every install and the
	// diff statuses only steer downstream decisions.
	for _, id := range matcherOrder {
		m := matcherByID[id]
		var t *matcher.Tracker
		if m.Simple != nil {
			t = matcher.NewSimpleTracker(id, m.Simple)
		} else {
			childIdx := make([]int, len(m.Combination.ChildIDs))
			atoms := make(map[int32]struct{})
			for i, child := range m.Combination.ChildIDs {
				ci := rt.matcherIndex[child]
				childIdx[i] = ci
				for a := range rt.matchers[ci].Atoms {
					atoms[a] = struct{}{}
				}
			}
			t = matcher.NewCombinationTracker(id, m.Combination.Operation, childIdx, atoms)
		}
		rt.matcherIndex[id] = len(rt.matchers)
		rt.matchers = append(rt.matchers, t)
	}
	for idx, t := range rt.matchers {
		for atom := range t.Atoms {
			rt.tagToMatchers[atom] = append(rt.tagToMatchers[atom], idx)
		}
	}

	// Conditions carry state: preserved trackers transfer, with their
	// matcher or child indexes rewritten for the new graph.
	matcherIdx := func(id int64) int {
		if id == 0 {
			return -1
		}
		return rt.matcherIndex[id]
	}
	for _, id := range predicateOrder {
		p := predByID[id]
		var t condition.Tracker
		preserved := diff != nil && diff.predicates[id] == StatusPreserve
		if p.Simple != nil {
			if preserved {
				oldT := old.conditions[old.conditionIndex[id]].(*condition.SimpleTracker)
				start, stop, stopAll := matcherIdx(p.Simple.Start), matcherIdx(p.Simple.Stop), matcherIdx(p.Simple.StopAll)
				rt.deferred = append(rt.deferred, func() {
					oldT.SetMatcherIndexes(start, stop, stopAll)
				})
				t = oldT
			} else {
				t = condition.NewSimpleTracker(id, matcherIdx(p.Simple.Start), matcherIdx(p.Simple.Stop), matcherIdx(p.Simple.StopAll), p.Simple)
			}
		} else {
			childIdx := make([]int, len(p.Combination.ChildIDs))
			children := make([]condition.Tracker, len(p.Combination.ChildIDs))
			for i, child := range p.Combination.ChildIDs {
				ci := rt.conditionIndex[child]
				childIdx[i] = ci
				children[i] = rt.conditions[ci]
			}
			if preserved {
				oldT := old.conditions[old.conditionIndex[id]].(*condition.CombinationTracker)
				rt.deferred = append(rt.deferred, func() {
					oldT.SetChildren(childIdx, children)
				})
				t = oldT
			} else {
				t = condition.NewCombinationTracker(id, p.Combination.Operation, childIdx, children)
			}
		}
		rt.conditionIndex[id] = len(rt.conditions)
		rt.conditions = append(rt.conditions, t)
	}

	// State trackers are shared engine-wide, one per atom.
	stateDefs := make(map[int32]*model.StateDef)
	for i := range cfg.States {
		stateDefs[cfg.States[i].AtomID] = &cfg.States[i]
	}

	condIdx := func(id int64) int {
		if id == 0 {
			return -1
		}
		return rt.conditionIndex[id]
	}

	activationByMetric := make(map[int64]*model.MetricActivation)
	for i := range cfg.Activations {
		activationByMetric[cfg.Activations[i].MetricID] = &cfg.Activations[i]
	}

	for i := range cfg.Metrics {
		m := &cfg.Metrics[i]
		ci := condIdx(m.Condition)

		var p metrics.Producer
		preserved := diff != nil && diff.metrics[m.ID] == StatusPreserve
		if preserved {
			p = old.producers[old.producerIndex[m.ID]]
			prod, cidx := p, ci
			rt.deferred = append(rt.deferred, func() { prod.Rewire(cidx) })
			if dp, ok := p.(*metrics.DurationProducer); ok {
				pred := predByID[m.What].Simple
				start, stop, stopAll := matcherIdx(pred.Start), matcherIdx(pred.Stop), matcherIdx(pred.StopAll)
				rt.deferred = append(rt.deferred, func() { dp.RewireWhat(start, stop, stopAll) })
			}
		} else {
			switch m.Kind {
			case model.MetricCount:
				p = metrics.NewCountProducer(m, timeBaseNs, ci, deps.wizard, stateQuerier{deps.states}, deps.counters, deps.logger)
			case model.MetricDuration:
				pred := predByID[m.What].Simple
				p = metrics.NewDurationProducer(m, pred, matcherIdx(pred.Start), matcherIdx(pred.Stop), matcherIdx(pred.StopAll), timeBaseNs, ci, deps.wizard, stateQuerier{deps.states}, deps.counters, deps.logger)
			case model.MetricEvent:
				p = metrics.NewEventProducer(m, timeBaseNs, ci, deps.wizard, deps.counters, deps.rng, deps.logger)
			case model.MetricGauge:
				p = metrics.NewGaugeProducer(m, timeBaseNs, ci, deps.wizard, stateQuerier{deps.states}, deps.counters, deps.rng, deps.logger)
			case model.MetricValue:
				p = metrics.NewValueProducer(m, timeBaseNs, ci, deps.wizard, stateQuerier{deps.states}, deps.counters, deps.logger)
			case model.MetricKll:
				p = metrics.NewKllProducer(m, timeBaseNs, ci, deps.wizard, stateQuerier{deps.states}, deps.counters, deps.logger)
			}
		}

		idx := len(rt.producers)
		rt.producerIndex[m.ID] = idx
		rt.producers = append(rt.producers, p)

		// Subscriptions: what matcher(s), condition, states, activations.
		if m.Kind == model.MetricDuration {
			pred := predByID[m.What].Simple
			rt.matcherToProducers[matcherIdx(pred.Start)] = append(rt.matcherToProducers[matcherIdx(pred.Start)], idx)
			if pred.Stop != 0 {
				rt.matcherToProducers[matcherIdx(pred.Stop)] = append(rt.matcherToProducers[matcherIdx(pred.Stop)], idx)
			}
			if pred.StopAll != 0 {
				rt.matcherToProducers[matcherIdx(pred.StopAll)] = append(rt.matcherToProducers[matcherIdx(pred.StopAll)], idx)
			}
		} else {
			rt.matcherToProducers[rt.matcherIndex[m.What]] = append(rt.matcherToProducers[rt.matcherIndex[m.What]], idx)
		}
		if ci >= 0 {
			rt.conditionToProducers[ci] = append(rt.conditionToProducers[ci], idx)
		}
		for _, atomID := range m.SliceByState {
			def := stateDefs[atomID]
			tracker := deps.states.TrackerFor(def)
			rt.stateRegs = append(rt.stateRegs, stateReg{tracker: tracker, listener: p})
			prod := p
			rt.deferred = append(rt.deferred, func() { tracker.RegisterListener(prod) })
		}

		// Activations are re-registered on every install; preserved
		// producers keep their TTL windows across the rebuild. The
		// registration itself mutates the producer, so for preserved
		// instances it is deferred to the swap step.
		if act := activationByMetric[m.ID]; act != nil {
			type actReg struct {
				ea     model.EventActivation
				mi, di int
			}
			var regs []actReg
			for _, ea := range act.Activations {
				di := -1
				if ea.DeactivationMatcherID != 0 {
					di = rt.matcherIndex[ea.DeactivationMatcherID]
					rt.deactivationToProducers[di] = append(rt.deactivationToProducers[di], idx)
				}
				mi := rt.matcherIndex[ea.MatcherID]
				regs = append(regs, actReg{ea: ea, mi: mi, di: di})
				rt.activationToProducers[mi] = append(rt.activationToProducers[mi], idx)
			}
			prod := p
			register := func() {
				windows := prod.ActivationStates()
				prod.ResetActivations()
				for _, r := range regs {
					prod.AddActivation(r.ea, r.mi, r.di)
				}
				prod.RestoreActivationStates(windows)
			}
			if preserved {
				rt.deferred = append(rt.deferred, register)
			} else {
				register()
			}
		} else if preserved {
			prod := p
			rt.deferred = append(rt.deferred, func() { prod.ResetActivations() })
		}
	}

	// Anomaly trackers: preserved alerts keep their window state;
	// subscriptions are rebuilt unconditionally by the engine. Attachment
	// mutates producers, so it all runs at the swap step.
	for i := range cfg.Alerts {
		a := &cfg.Alerts[i]
		var t *metrics.AnomalyTracker
		if diff != nil && diff.alerts[a.ID] == StatusPreserve {
			t = old.anomalies[a.ID]
		} else {
			t = metrics.NewAnomalyTracker(*a, deps.logger)
		}
		rt.anomalies[a.ID] = t
	}
	rt.deferred = append(rt.deferred, func() {
		for i := range cfg.Metrics {
			rt.producers[rt.producerIndex[cfg.Metrics[i].ID]].ClearAnomalyTrackers()
		}
		for i := range cfg.Alerts {
			a := &cfg.Alerts[i]
			t := rt.anomalies[a.ID]
			t.ResetSubscriptions()
			rt.producers[rt.producerIndex[a.MetricID]].AttachAnomalyTracker(t)
		}
	})

	// Alarms: preserved schedules retain their pending epoch.
	oldAlarms := make(map[int64]*alarm.Tracker)
	oldAlarmDefs := make(map[int64]model.Alarm)
	if old != nil {
		for _, t := range old.alarms {
			oldAlarms[t.ID] = t
		}
		for _, a := range old.cfg.Alarms {
			oldAlarmDefs[a.ID] = a
		}
	}
	for _, a := range cfg.Alarms {
		t := alarm.NewTracker(a.ID, a.OffsetMs, a.PeriodMs, nowNs)
		if prev, ok := oldAlarms[a.ID]; ok {
			if def, okDef := oldAlarmDefs[a.ID]; okDef && def.OffsetMs == a.OffsetMs && def.PeriodMs == a.PeriodMs {
				// The previous tracker is still registered; read its
				// pending epoch through the monitor lock at swap time.
				rt.deferred = append(rt.deferred, func() {
					t.RestoreNextFire(deps.alarms.SnapshotNextFire(prev))
				})
			}
		}
		rt.alarms = append(rt.alarms, t)
	}

	for _, id := range cfg.NoReportMetrics {
		rt.noReport[id] = struct{}{}
	}

	// Flush replaced and removed producers into the pre-update buffer so
	// their open buckets survive the cutover. The flush reads live
	// producers, so it runs at the swap step.
	if old != nil {
		rt.deferred = append(rt.deferred, func() {
			var flushed []report.MetricReport
			for id, oldIdx := range old.producerIndex {
				status, stillExists := diff.metrics[id]
				if stillExists && status == StatusPreserve {
					continue
				}
				rep := old.producers[oldIdx].Report(nowNs, true, old.flags, nil)
				if len(rep.Buckets) > 0 {
					flushed = append(flushed, rep)
				}
			}
			rt.preUpdate = append(append([]report.MetricReport{}, old.preUpdate...), flushed...)
		})
	}

	return rt, nil
}

// detach unregisters the runtime's listeners and alarms; called when the
// runtime is replaced or removed.
func (rt *configRuntime) detach(mon *alarm.Monitor, keepProducers map[int64]struct{}) {
	for _, reg := range rt.stateRegs {
		if keepProducers != nil {
			if p, ok := reg.listener.(metrics.Producer); ok {
				if _, keep := keepProducers[p.ID()]; keep {
					continue
				}
			}
		}
		reg.tracker.UnregisterListener(reg.listener)
	}
	for _, t := range rt.alarms {
		mon.Unregister(t)
	}
}

// uidMapID converts the config key for uid-map bookkeeping.
func (rt *configRuntime) uidMapID() uidmap.ConfigID {
	return uidmap.ConfigID{UID: rt.key.UID, ID: rt.key.ID}
}
