package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiryo/internal/alarm"
	"github.com/ashita-ai/keiryo/internal/condition"
	"github.com/ashita-ai/keiryo/internal/matcher"
	"github.com/ashita-ai/keiryo/internal/metrics"
	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/puller"
	"github.com/ashita-ai/keiryo/internal/report"
	"github.com/ashita-ai/keiryo/internal/state"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

// ErrUnknownConfig reports an operation against a config key that is not
// installed.
var ErrUnknownConfig = errors.New("engine: unknown config key")

// Engine owns the evaluation graphs of every installed configuration and
// routes events through them. A single ingest task mutates graph state
// under the engine lock; installs stage off-lock and swap under it.
type Engine struct {
	logger   *slog.Logger
	uidMap   *uidmap.Map
	states   *state.Manager
	alarms   *alarm.Monitor
	pullers  *puller.Registry
	counters *metrics.Counters
	rng      *rand.Rand

	timeBaseNs int64

	mu      sync.Mutex
	configs map[model.ConfigKey]*configRuntime
	wizards map[model.ConfigKey]*conditionWizard

	alertSubs map[model.ConfigKey]map[int64][]metrics.AnomalySubscription

	events chan *model.LogEvent
}

// Options configure engine construction.
type Options struct {
	Logger     *slog.Logger
	UidMap     *uidmap.Map
	TimeBaseNs int64
	// EventQueueDepth bounds the ingest queue; events beyond it are
	// dropped with a counter bump rather than blocking the producer.
	EventQueueDepth int
	// Seed drives sampling decisions; zero selects a fixed default.
	Seed int64
}

// New creates an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	um := opts.UidMap
	if um == nil {
		um = uidmap.New(logger, 0)
	}
	depth := opts.EventQueueDepth
	if depth <= 0 {
		depth = 4096
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}
	return &Engine{
		logger:     logger,
		uidMap:     um,
		states:     state.NewManager(logger),
		alarms:     alarm.NewMonitor(logger),
		pullers:    puller.NewRegistry(logger),
		counters:   &metrics.Counters{},
		rng:        rand.New(rand.NewSource(seed)),
		timeBaseNs: opts.TimeBaseNs,
		configs:    make(map[model.ConfigKey]*configRuntime),
		wizards:    make(map[model.ConfigKey]*conditionWizard),
		alertSubs:  make(map[model.ConfigKey]map[int64][]metrics.AnomalySubscription),
		events:     make(chan *model.LogEvent, depth),
	}
}

// UidMap returns the engine's process-wide uid map.
func (e *Engine) UidMap() *uidmap.Map { return e.uidMap }

// Pullers returns the snapshot-atom puller registry.
func (e *Engine) Pullers() *puller.Registry { return e.pullers }

// AlarmMonitor returns the periodic alarm monitor; run it alongside the
// ingest loop.
func (e *Engine) AlarmMonitor() *alarm.Monitor { return e.alarms }

// Counters returns the guardrail counters.
func (e *Engine) Counters() *metrics.Counters { return e.counters }

// Submit queues one event for the ingest loop; full queues drop the event
// and bump the guardrail counter (ingest never blocks producers).
func (e *Engine) Submit(ev *model.LogEvent) {
	select {
	case e.events <- ev:
	default:
		e.counters.EventsDropped.Add(1)
	}
}

// SubmitRaw decodes a wire buffer and queues it. Parse failures drop the
// event with a counter bump.
func (e *Engine) SubmitRaw(buf []byte, elapsedNs, wallNs int64, uid int32) error {
	ev, err := model.DecodeEvent(buf, elapsedNs, wallNs, uid)
	if err != nil {
		e.counters.EventParseFailures.Add(1)
		return fmt.Errorf("engine: decode event: %w", err)
	}
	e.Submit(ev)
	return nil
}

// Run drains the event queue serially until ctx is done. This is the
// single-writer ingest task.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.OnLogEvent(ctx, ev)
		}
	}
}

// pullRequest is a lock-free follow-up produced during event processing.
type pullRequest struct {
	atom     int32
	timeNs   int64
	deliver  func(evs []*model.LogEvent, timeNs int64)
	onFailed func()
}

// OnLogEvent processes one event synchronously: matchers, conditions,
// state trackers, then producers, all under the engine lock; pulls and
// anomaly subscriptions run after release.
func (e *Engine) OnLogEvent(ctx context.Context, ev *model.LogEvent) {
	ev.UID = e.uidMap.HostUidOrSelf(ev.UID)

	var pulls []pullRequest
	var anomalyCalls []func()

	e.mu.Lock()
	// Matchers and conditions evaluate first, then state trackers, then
	// producers: a state-sliced metric keyed by this event sees the state
	// the event itself establishes.
	caches := make(map[*configRuntime]*evalCaches, len(e.configs))
	for _, rt := range e.configs {
		caches[rt] = e.evaluateForRuntime(rt, ev)
	}
	e.states.OnLogEvent(ev)
	for _, rt := range e.configs {
		if caches[rt] == nil {
			continue
		}
		e.deliverForRuntime(rt, caches[rt], ev)
		p, a := e.collectFollowUps(rt)
		pulls = append(pulls, p...)
		anomalyCalls = append(anomalyCalls, a...)
	}
	e.mu.Unlock()

	for _, call := range anomalyCalls {
		call()
	}
	e.runPulls(ctx, pulls)
}

// evalCaches holds one runtime's per-event evaluation results between
// the evaluate and deliver phases.
type evalCaches struct {
	matched     []matcher.MatchState
	condCache   []model.ConditionState
	condChanged []bool
}

// evaluateForRuntime runs the matcher and condition layers for one event;
// nil means the event is irrelevant to this config. Caller holds the
// engine lock.
func (e *Engine) evaluateForRuntime(rt *configRuntime, ev *model.LogEvent) *evalCaches {
	if len(rt.tagToMatchers[ev.Atom]) == 0 {
		return nil
	}

	matched := make([]matcher.MatchState, len(rt.matchers))
	for idx, t := range rt.matchers {
		matched[idx] = t.Evaluate(e.uidMap, ev, matched)
	}

	condCache := make([]model.ConditionState, len(rt.conditions))
	condChanged := make([]bool, len(rt.conditions))
	for idx, t := range rt.conditions {
		t.Evaluate(ev, matched, idx, condCache, condChanged)
	}
	return &evalCaches{matched: matched, condCache: condCache, condChanged: condChanged}
}

// deliverForRuntime fans the evaluated event out to producers. Caller
// holds the engine lock.
func (e *Engine) deliverForRuntime(rt *configRuntime, c *evalCaches, ev *model.LogEvent) {
	matched, condCache, condChanged := c.matched, c.condCache, c.condChanged

	// Activations fire before aggregation so an activating event also
	// counts when the metric listens to the same matcher.
	for idx, st := range matched {
		if st != matcher.Matched {
			continue
		}
		for _, pi := range rt.activationToProducers[idx] {
			rt.producers[pi].ActivationFired(idx, ev.ElapsedNs)
		}
		for _, pi := range rt.deactivationToProducers[idx] {
			rt.producers[pi].DeactivationFired(idx)
		}
	}

	for ci, changed := range condChanged {
		if !changed {
			continue
		}
		for _, pi := range rt.conditionToProducers[ci] {
			rt.producers[pi].OnConditionChanged(condCache[ci], ev.ElapsedNs)
		}
	}

	delivered := make(map[int]struct{})
	for idx, st := range matched {
		if st != matcher.Matched {
			continue
		}
		for _, pi := range rt.matcherToProducers[idx] {
			// Duration producers subscribe to several matchers and need
			// each role's hit; other kinds get one delivery per event.
			if _, isDuration := rt.producers[pi].(*metrics.DurationProducer); !isDuration {
				if _, seen := delivered[pi]; seen {
					continue
				}
				delivered[pi] = struct{}{}
			}
			rt.producers[pi].OnMatchedLogEvent(idx, ev)
		}
	}
}

// collectFollowUps drains pending pulls and fired anomalies from a
// runtime's producers. Caller holds the engine lock.
func (e *Engine) collectFollowUps(rt *configRuntime) ([]pullRequest, []func()) {
	var pulls []pullRequest
	var anomalyCalls []func()
	for _, p := range rt.producers {
		switch pp := p.(type) {
		case *metrics.GaugeProducer:
			if pp.TakePendingPull() {
				pp := pp
				pulls = append(pulls, pullRequest{
					atom: pp.PullAtom(),
					deliver: func(evs []*model.LogEvent, timeNs int64) {
						e.mu.Lock()
						pp.OnPulledEvents(evs, timeNs)
						e.mu.Unlock()
					},
				})
			}
		case *metrics.ValueProducer:
			if pp.TakePendingPull() {
				pp := pp
				pulls = append(pulls, pullRequest{
					atom: pp.PullAtom(),
					deliver: func(evs []*model.LogEvent, timeNs int64) {
						e.mu.Lock()
						pp.OnPulledEvents(evs, timeNs)
						e.mu.Unlock()
					},
					onFailed: func() {
						e.mu.Lock()
						pp.OnPullFailed()
						e.mu.Unlock()
					},
				})
			}
		}
		for _, t := range p.AnomalyTrackers() {
			anomalyCalls = append(anomalyCalls, t.TakeFired()...)
		}
	}
	return pulls, anomalyCalls
}

// runPulls issues queued pulls with no engine lock held.
func (e *Engine) runPulls(ctx context.Context, pulls []pullRequest) {
	for _, pr := range pulls {
		evs, err := e.pullers.Pull(ctx, pr.atom)
		switch {
		case err == nil:
			if pr.deliver != nil {
				pr.deliver(evs, pr.timeNs)
			}
		case errors.Is(err, context.DeadlineExceeded):
			e.counters.PullTimeouts.Add(1)
			if pr.onFailed != nil {
				pr.onFailed()
			}
		default:
			e.counters.PullFailures.Add(1)
			e.logger.Debug("engine: pull failed", "atom", pr.atom, "error", err)
			if pr.onFailed != nil {
				pr.onFailed()
			}
		}
	}
}

// InstallConfig validates and installs (or hot-updates) a configuration.
// Validation failure leaves the running graph untouched. nowNs is the
// install timestamp on the elapsed clock.
func (e *Engine) InstallConfig(key model.ConfigKey, cfg *model.Config, nowNs int64) error {
	e.mu.Lock()
	old := e.configs[key]
	wizard := e.wizards[key]
	e.mu.Unlock()

	if wizard == nil {
		wizard = &conditionWizard{}
	}

	deps := buildDeps{
		states:   e.states,
		alarms:   e.alarms,
		counters: e.counters,
		logger:   e.logger,
		rng:      e.rng,
		wizard:   wizard,
	}

	// Validation and instantiation run without the engine lock; only the
	// swap below serializes with ingest.
	rt, verr := buildRuntime(key, cfg, e.timeBaseNs, nowNs, deps, old)
	if verr != nil {
		return verr
	}

	e.mu.Lock()
	for _, f := range rt.deferred {
		f()
	}
	rt.deferred = nil
	if old != nil {
		keep := make(map[int64]struct{}, len(rt.producerIndex))
		for id := range rt.producerIndex {
			if _, stillThere := old.producerIndex[id]; stillThere {
				if rt.producers[rt.producerIndex[id]] == old.producers[old.producerIndex[id]] {
					keep[id] = struct{}{}
				}
			}
		}
		old.detach(e.alarms, keep)
	}
	e.configs[key] = rt
	e.wizards[key] = wizard
	wizard.rt = rt
	for _, t := range rt.alarms {
		e.alarms.Register(t)
	}
	for alertID, subs := range e.alertSubs[key] {
		if t, ok := rt.anomalies[alertID]; ok {
			for _, s := range subs {
				t.Subscribe(s)
			}
		}
	}
	e.mu.Unlock()

	e.uidMap.OnConfigUpdated(rt.uidMapID())
	e.logger.Info("engine: config installed",
		"config", key.String(),
		"matchers", len(rt.matchers),
		"conditions", len(rt.conditions),
		"metrics", len(rt.producers),
		"update", old != nil)
	return nil
}

// RemoveConfig uninstalls a configuration and returns its final report.
func (e *Engine) RemoveConfig(key model.ConfigKey, nowNs int64) (*report.ConfigReport, error) {
	e.mu.Lock()
	rt, ok := e.configs[key]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownConfig
	}
	delete(e.configs, key)
	delete(e.wizards, key)
	delete(e.alertSubs, key)
	rt.detach(e.alarms, nil)
	rep := e.assembleReportLocked(rt, nowNs, true)
	e.mu.Unlock()

	e.uidMap.OnConfigRemoved(rt.uidMapID())
	return rep, nil
}

// SubscribeAlert attaches a subscription to an alert; it survives config
// updates (subscriptions are re-applied on each install).
func (e *Engine) SubscribeAlert(key model.ConfigKey, alertID int64, sub metrics.AnomalySubscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alertSubs[key] == nil {
		e.alertSubs[key] = make(map[int64][]metrics.AnomalySubscription)
	}
	e.alertSubs[key][alertID] = append(e.alertSubs[key][alertID], sub)
	if rt, ok := e.configs[key]; ok {
		if t, ok := rt.anomalies[alertID]; ok {
			t.Subscribe(sub)
		}
	}
}

// SubscribeAlarm attaches a subscription to a periodic alarm.
func (e *Engine) SubscribeAlarm(key model.ConfigKey, alarmID int64, sub alarm.Subscription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.configs[key]
	if !ok {
		return ErrUnknownConfig
	}
	for _, t := range rt.alarms {
		if t.ID == alarmID {
			t.Subscribe(sub)
			return nil
		}
	}
	return fmt.Errorf("engine: config %s has no alarm %d", key.String(), alarmID)
}

// OnBoot promotes queued ACTIVATE_ON_BOOT activations.
func (e *Engine) OnBoot(bootTimeNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rt := range e.configs {
		for _, p := range rt.producers {
			p.OnBoot(bootTimeNs)
		}
	}
}

// NotifyAppUpgrade splits the open bucket of every producer whose config
// opted into upgrade splits. The root package's App.NotifyAppUpgrade calls
// this after updating the uid map; the engine is not a uid-map listener,
// so upgrades fed straight into the uid map do not split buckets.
func (e *Engine) NotifyAppUpgrade(eventTimeNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rt := range e.configs {
		if !rt.cfg.SplitBucketForAppUpgrade {
			continue
		}
		for _, p := range rt.producers {
			p.NotifySplitBucket(eventTimeNs)
		}
	}
}

// DumpReport assembles one config's snapshot report.
func (e *Engine) DumpReport(key model.ConfigKey, dumpTimeNs int64, includePartial bool) (*report.ConfigReport, error) {
	e.mu.Lock()
	rt, ok := e.configs[key]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownConfig
	}
	rep := e.assembleReportLocked(rt, dumpTimeNs, includePartial)
	e.mu.Unlock()
	return rep, nil
}

func (e *Engine) assembleReportLocked(rt *configRuntime, dumpTimeNs int64, includePartial bool) *report.ConfigReport {
	pool := report.NewStringPool(rt.flags.HashStrings)
	rep := &report.ConfigReport{
		ConfigKey:  rt.key,
		SnapshotID: uuid.New(),
		DumpTimeNs: dumpTimeNs,
	}

	rep.Metrics = append(rep.Metrics, rt.preUpdate...)
	rt.preUpdate = nil

	ids := make([]int64, 0, len(rt.producerIndex))
	for id := range rt.producerIndex {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, suppressed := rt.noReport[id]; suppressed {
			continue
		}
		p := rt.producers[rt.producerIndex[id]]
		rep.Metrics = append(rep.Metrics, p.Report(dumpTimeNs, includePartial, rt.flags, pool))
	}

	delta := e.uidMap.AppendDelta(dumpTimeNs, rt.uidMapID(), uidmap.EmitOptions{
		HashStrings:           rt.flags.HashStrings,
		IncludeVersionStrings: rt.flags.IncludeVersionStrings,
		IncludeInstaller:      rt.flags.IncludeInstaller,
		TruncatedCertHashSize: rt.flags.TruncatedCertHashSize,
	})
	rep.UidMap = delta

	rep.Guardrails = e.counters.Snapshot()
	rep.Guardrails.UidMapChangesDropped = e.uidMap.DroppedChanges()

	rep.StringPool = append(pool.Strings(), delta.StringPool...)
	return rep
}

// CheckpointBlobs returns opaque per-metric checkpoint blobs for the
// config: the open bucket cursor and activation windows, enough to
// restore gating state after a crash. Format is implementation-defined.
func (e *Engine) CheckpointBlobs(key model.ConfigKey) (map[int64][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.configs[key]
	if !ok {
		return nil, ErrUnknownConfig
	}
	out := make(map[int64][]byte, len(rt.producers))
	for id, idx := range rt.producerIndex {
		p := rt.producers[idx]
		blob, err := json.Marshal(struct {
			MetricID          int64   `json:"metric_id"`
			BucketStartNs     int64   `json:"bucket_start_ns"`
			ActivationWindows []int64 `json:"activation_windows,omitempty"`
		}{
			MetricID:          id,
			BucketStartNs:     p.CurrentBucketStartNs(),
			ActivationWindows: p.ActivationStates(),
		})
		if err != nil {
			return nil, fmt.Errorf("engine: checkpoint metric %d: %w", id, err)
		}
		out[id] = blob
	}
	return out, nil
}

// ConfigKeys lists the installed configurations.
func (e *Engine) ConfigKeys() []model.ConfigKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]model.ConfigKey, 0, len(e.configs))
	for k := range e.configs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UID != keys[j].UID {
			return keys[i].UID < keys[j].UID
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// PrintUidMap dumps live uid-map entries for debugging.
func (e *Engine) PrintUidMap(w io.Writer, includeCertHash bool) error {
	return e.uidMap.PrintTo(w, includeCertHash)
}

// Statuses exposes the diff decision procedure for tooling and tests:
// it computes per-node statuses of installing next over the currently
// installed config without touching the graph.
func (e *Engine) Statuses(key model.ConfigKey, next *model.Config) (matchers, predicates, metricsOut, alerts map[int64]UpdateStatus) {
	e.mu.Lock()
	var old *model.Config
	if rt, ok := e.configs[key]; ok {
		old = rt.cfg
	}
	e.mu.Unlock()
	d := computeDiff(old, next)
	return d.matchers, d.predicates, d.metrics, d.alerts
}

// interface guards
var (
	_ metrics.Wizard       = (*conditionWizard)(nil)
	_ metrics.StateQuerier = stateQuerier{}
	_ condition.Tracker    = (*condition.SimpleTracker)(nil)
)
