// Package metrics implements the six bucketed metric producers (count,
// duration, event, gauge, value, kll), their anomaly trackers, and the
// shared bucketing, activation and dimension-guardrail machinery.
package metrics

import (
	"log/slog"
	"sync/atomic"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// Wizard lets producers query arbitrary conditions by tracker index,
// including per-dimension slices for linked conditions.
type Wizard interface {
	Query(conditionIndex int, dim model.DimensionKey) model.ConditionState
}

// StateQuerier resolves the current state value of a state atom for a
// primary key, after state-map grouping.
type StateQuerier interface {
	StateValue(atomID int32, primaryKey model.DimensionKey) int32
}

// Counters aggregates guardrail events across all producers of every
// installed config; the engine holds one shared instance.
// Fields are atomic so callbacks may bump them without the engine lock.
type Counters struct {
	EventParseFailures   atomic.Int64
	PullFailures         atomic.Int64
	PullTimeouts         atomic.Int64
	DimensionOverflows   atomic.Int64
	UidMapChangesDropped atomic.Int64
	EventsDropped        atomic.Int64
}

// Snapshot converts the counters into the report's guardrail section.
func (c *Counters) Snapshot() report.Guardrails {
	return report.Guardrails{
		EventParseFailures:   c.EventParseFailures.Load(),
		PullFailures:         c.PullFailures.Load(),
		PullTimeouts:         c.PullTimeouts.Load(),
		DimensionOverflows:   c.DimensionOverflows.Load(),
		UidMapChangesDropped: c.UidMapChangesDropped.Load(),
		EventsDropped:        c.EventsDropped.Load(),
	}
}

// Producer is the operation set shared by every metric kind. The engine
// serializes all calls, Report included, under its lock.
type Producer interface {
	ID() int64
	Kind() model.MetricKind
	Def() *model.Metric

	// OnMatchedLogEvent delivers an event one of the producer's
	// subscribed matchers accepted. matcherIndex distinguishes roles for
	// kinds subscribed to several matchers (duration start/stop).
	OnMatchedLogEvent(matcherIndex int, ev *model.LogEvent)

	// OnConditionChanged delivers the new state of the producer's gating
	// condition.
	OnConditionChanged(cond model.ConditionState, eventTimeNs int64)

	// OnStateChanged delivers a state transition from a slice_by_state
	// tracker.
	OnStateChanged(eventTimeNs int64, atomID int32, primaryKey model.DimensionKey, oldState, newState int32)

	// FlushIfNeeded seals every bucket that ends at or before eventTimeNs.
	FlushIfNeeded(eventTimeNs int64)

	// NotifySplitBucket closes the open bucket early (app upgrade).
	NotifySplitBucket(eventTimeNs int64)

	// OnBoot starts the TTL of queued ACTIVATE_ON_BOOT activations.
	OnBoot(bootTimeNs int64)

	// Report seals due buckets, drains everything sealed so far into a
	// metric report and resets the drained state.
	Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport

	// ActivationFired and DeactivationFired route activation matcher hits.
	ActivationFired(matcherIndex int, eventTimeNs int64)
	DeactivationFired(matcherIndex int)

	// AddActivation registers one activation trigger; ResetActivations
	// clears registrations before an install re-adds them with new
	// matcher indexes.
	AddActivation(def model.EventActivation, matcherIndex, deactivationIndex int)
	ResetActivations()
	ActivationStates() []int64
	RestoreActivationStates(windows []int64)

	// Rewire repoints the gating condition index after a preserving
	// update.
	Rewire(conditionIndex int)

	// CurrentBucketStartNs exposes the open bucket's start for
	// checkpoints.
	CurrentBucketStartNs() int64

	// AnomalyTrackers returns the trackers attached to this producer;
	// AttachAnomalyTracker subscribes one; ClearAnomalyTrackers detaches
	// all before an install re-attaches the surviving set.
	AnomalyTrackers() []*AnomalyTracker
	AttachAnomalyTracker(t *AnomalyTracker)
	ClearAnomalyTrackers()
}

// producerBase carries the machinery shared by every kind.
type producerBase struct {
	def          *model.Metric
	logger       *slog.Logger
	counters     *Counters
	wizard       Wizard
	states       StateQuerier
	timeBaseNs   int64
	bucketSizeNs int64

	conditionIndex int
	condition      model.ConditionState

	currentStart int64
	past         []report.Bucket
	droppedDims  int64

	activations   []*activationState
	deactivations map[int][]*activationState

	anomalies []*AnomalyTracker
}

type activationState struct {
	def          model.EventActivation
	matcherIndex int
	activeUntil  int64
	pendingBoot  bool
}

func newProducerBase(def *model.Metric, timeBaseNs int64, conditionIndex int, wizard Wizard, states StateQuerier, counters *Counters, logger *slog.Logger) producerBase {
	bucketNs := def.BucketSizeMs * 1_000_000
	if bucketNs <= 0 {
		bucketNs = 3_600_000 * 1_000_000 // hour default
	}
	b := producerBase{
		def:            def,
		logger:         logger,
		counters:       counters,
		wizard:         wizard,
		states:         states,
		timeBaseNs:     timeBaseNs,
		bucketSizeNs:   bucketNs,
		conditionIndex: conditionIndex,
		condition:      model.ConditionUnknown,
		currentStart:   timeBaseNs,
		deactivations:  make(map[int][]*activationState),
	}
	if conditionIndex < 0 {
		b.condition = model.ConditionTrue
	}
	return b
}

func (b *producerBase) ID() int64             { return b.def.ID }
func (b *producerBase) Kind() model.MetricKind { return b.def.Kind }
func (b *producerBase) Def() *model.Metric    { return b.def }

// AnomalyTrackers implements Producer.
func (b *producerBase) AnomalyTrackers() []*AnomalyTracker { return b.anomalies }

// AttachAnomalyTracker subscribes an alert to this producer's buckets.
func (b *producerBase) AttachAnomalyTracker(t *AnomalyTracker) {
	b.anomalies = append(b.anomalies, t)
}

// ClearAnomalyTrackers detaches every alert before an install re-attaches
// the surviving set.
func (b *producerBase) ClearAnomalyTrackers() { b.anomalies = nil }

// Rewire repoints the gating condition index after a preserving update.
func (b *producerBase) Rewire(conditionIndex int) {
	b.conditionIndex = conditionIndex
	if conditionIndex < 0 {
		b.condition = model.ConditionTrue
	}
}

// CurrentBucketStartNs exposes the open bucket's start for checkpoints.
func (b *producerBase) CurrentBucketStartNs() int64 { return b.currentStart }

// bucketEndNs returns the next aligned bucket boundary after
// currentStart. After a split (partial bucket) the shortened window still
// ends on the alignment grid.
func (b *producerBase) bucketEndNs() int64 {
	k := (b.currentStart-b.timeBaseNs)/b.bucketSizeNs + 1
	return b.timeBaseNs + k*b.bucketSizeNs
}

// AddActivation registers one activation trigger; matcherIndex is the
// activation matcher's slot, deactivationIndex the cancel matcher's (-1
// when absent).
func (b *producerBase) AddActivation(def model.EventActivation, matcherIndex, deactivationIndex int) {
	a := &activationState{def: def, matcherIndex: matcherIndex}
	b.activations = append(b.activations, a)
	if deactivationIndex >= 0 {
		b.deactivations[deactivationIndex] = append(b.deactivations[deactivationIndex], a)
	}
}

// ResetActivations clears activation registrations; the install pass
// re-adds them with the new graph's matcher indexes and restores the
// TTL windows via RestoreActivationStates.
func (b *producerBase) ResetActivations() {
	b.activations = nil
	b.deactivations = make(map[int][]*activationState)
}

// ActivationFired handles a hit on an activation matcher.
func (b *producerBase) ActivationFired(matcherIndex int, eventTimeNs int64) {
	for _, a := range b.activations {
		if a.matcherIndex != matcherIndex {
			continue
		}
		switch a.def.Type {
		case model.ActivateOnBoot:
			a.pendingBoot = true
		default:
			a.activeUntil = eventTimeNs + a.def.TTLSeconds*1_000_000_000
		}
	}
}

// DeactivationFired handles a hit on a deactivation matcher.
func (b *producerBase) DeactivationFired(matcherIndex int) {
	for _, a := range b.deactivations[matcherIndex] {
		a.activeUntil = 0
		a.pendingBoot = false
	}
}

// OnBoot implements Producer.
func (b *producerBase) OnBoot(bootTimeNs int64) {
	for _, a := range b.activations {
		if a.pendingBoot {
			a.pendingBoot = false
			a.activeUntil = bootTimeNs + a.def.TTLSeconds*1_000_000_000
		}
	}
}

// activeAt reports whether the metric is unlocked: no activations at all,
// or at least one inside its TTL window.
func (b *producerBase) activeAt(eventTimeNs int64) bool {
	if len(b.activations) == 0 {
		return true
	}
	for _, a := range b.activations {
		if a.activeUntil > eventTimeNs {
			return true
		}
	}
	return false
}

// ActivationStates snapshots activation windows for checkpointing and
// transfer across preserving updates.
func (b *producerBase) ActivationStates() []int64 {
	out := make([]int64, len(b.activations))
	for i, a := range b.activations {
		out[i] = a.activeUntil
	}
	return out
}

// RestoreActivationStates reapplies snapshotted activation windows.
func (b *producerBase) RestoreActivationStates(windows []int64) {
	for i, w := range windows {
		if i < len(b.activations) {
			b.activations[i].activeUntil = w
		}
	}
}

// OnConditionChanged implements Producer for kinds without open state;
// stateful kinds shadow it to close intervals first.
func (b *producerBase) OnConditionChanged(cond model.ConditionState, _ int64) {
	b.condition = cond
}

// conditionMetFor answers whether aggregation is allowed for the event:
// the scalar condition, refined per dimension through condition links.
func (b *producerBase) conditionMetFor(ev *model.LogEvent) bool {
	if b.conditionIndex < 0 {
		return true
	}
	if len(b.def.ConditionLinks) > 0 && b.wizard != nil {
		for _, link := range b.def.ConditionLinks {
			// Project the event's link fields; the predicate slice keyed
			// by the same values gates this event.
			key := model.Project(link.EventFields, ev)
			if b.wizard.Query(b.conditionIndex, key) != model.ConditionTrue {
				return false
			}
		}
		return true
	}
	return b.condition == model.ConditionTrue
}

// stateTupleFor resolves the current state value of every slice_by_state
// atom for the event via state links.
func (b *producerBase) stateTupleFor(ev *model.LogEvent) model.StateTuple {
	if len(b.def.SliceByState) == 0 || b.states == nil {
		return nil
	}
	tuple := make(model.StateTuple, 0, len(b.def.SliceByState))
	for _, atomID := range b.def.SliceByState {
		key := model.EmptyDimensionKey
		for _, link := range b.def.StateLinks {
			if link.StateAtomID == atomID {
				key = model.Project(link.EventFields, ev)
				break
			}
		}
		tuple = append(tuple, b.states.StateValue(atomID, key))
	}
	return tuple
}

// sliceKey builds the (dimension, state-tuple) accumulator key, folding
// into the overflow tombstone once the per-bucket cap is exceeded.
// distinct is the set of keys already present in the open bucket.
func (b *producerBase) sliceKey(dim model.DimensionKey, states model.StateTuple, distinct map[string]struct{}) (string, model.DimensionKey) {
	key := dim.Enc() + "\x00" + states.Enc()
	if b.def.MaxDimensionsPerBucket > 0 {
		if _, exists := distinct[key]; !exists && len(distinct) >= b.def.MaxDimensionsPerBucket {
			b.counters.DimensionOverflows.Add(1)
			b.droppedDims++
			overflow := model.MakeDimensionKey([]model.FieldValue{{
				Value: model.StringValue(report.OverflowDimension),
			}})
			return overflow.Enc() + "\x00" + states.Enc(), overflow
		}
	}
	distinct[key] = struct{}{}
	return key, dim
}

// sealPast appends one sealed bucket to the drained queue and feeds the
// attached anomaly trackers.
func (b *producerBase) sealPast(bucket report.Bucket, perDim map[string]anomalyFeed) {
	b.past = append(b.past, bucket)
	if len(b.anomalies) == 0 {
		return
	}
	bucketNum := (bucket.StartNs - b.timeBaseNs) / b.bucketSizeNs
	for _, t := range b.anomalies {
		for _, feed := range perDim {
			t.AddPastBucket(feed.dim, feed.value, bucketNum, bucket.EndNs)
		}
	}
}

// anomalyFeed is the per-dimension scalar a sealed bucket contributes to
// anomaly windows.
type anomalyFeed struct {
	dim   model.DimensionKey
	value int64
}

// drainReport assembles the common report envelope and clears the drained
// buckets.
func (b *producerBase) drainReport() report.MetricReport {
	r := report.MetricReport{
		MetricID:          b.def.ID,
		Kind:              b.def.Kind,
		Buckets:           b.past,
		DroppedDimensions: b.droppedDims,
	}
	b.past = nil
	return r
}

// interface guards
var (
	_ Producer = (*CountProducer)(nil)
	_ Producer = (*DurationProducer)(nil)
	_ Producer = (*EventProducer)(nil)
	_ Producer = (*GaugeProducer)(nil)
	_ Producer = (*ValueProducer)(nil)
	_ Producer = (*KllProducer)(nil)
)
