package metrics

import (
	"log/slog"
	"math"
	"sort"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// ValueProducer aggregates a numeric field per (dimension, state-tuple).
// With use_diff on, successive samples of a monotonic counter contribute
// their delta; a negative delta is treated as a counter reset.
type ValueProducer struct {
	producerBase

	aggregation model.ValueAggregation
	useDiff     bool
	skipZero    bool
	pullAtom    int32
	needsPull   bool

	slices   map[string]*valueSlice
	distinct map[string]struct{}

	// diffBase anchors are per dimension (not per state tuple): the
	// counter identity is the dimension.
	diffBase map[string]diffAnchor
}

type valueSlice struct {
	dim    model.DimensionKey
	states model.StateTuple

	sum   float64
	min   float64
	max   float64
	count int64
}

type diffAnchor struct {
	last float64
	ok   bool
}

// NewValueProducer builds a value producer.
func NewValueProducer(def *model.Metric, timeBaseNs int64, conditionIndex int, wizard Wizard, states StateQuerier, counters *Counters, logger *slog.Logger) *ValueProducer {
	return &ValueProducer{
		producerBase: newProducerBase(def, timeBaseNs, conditionIndex, wizard, states, counters, logger),
		aggregation:  def.ValueAggregation,
		useDiff:      def.UseDiff,
		skipZero:     def.SkipZeroDiffOutput,
		pullAtom:     def.PullAtom,
		slices:       make(map[string]*valueSlice),
		distinct:     make(map[string]struct{}),
		diffBase:     make(map[string]diffAnchor),
	}
}

// PullAtom returns the snapshot atom this metric pulls, or 0 when pushed.
func (p *ValueProducer) PullAtom() int32 { return p.pullAtom }

// TakePendingPull reports and clears the pending-pull latch.
func (p *ValueProducer) TakePendingPull() bool {
	was := p.needsPull
	p.needsPull = false
	return was
}

// OnPulledEvents records pulled samples.
func (p *ValueProducer) OnPulledEvents(evs []*model.LogEvent, timestampNs int64) {
	p.FlushIfNeeded(timestampNs)
	for _, ev := range evs {
		p.sample(ev)
	}
}

// OnPullFailed marks the scheduled sample absent. The diff chain breaks:
// anchors are discarded so the next successful sample re-anchors without
// emitting, rather than attributing the whole gap to one interval.
func (p *ValueProducer) OnPullFailed() {
	p.diffBase = make(map[string]diffAnchor)
}

// OnMatchedLogEvent implements Producer.
func (p *ValueProducer) OnMatchedLogEvent(_ int, ev *model.LogEvent) {
	p.FlushIfNeeded(ev.ElapsedNs)
	if !p.activeAt(ev.ElapsedNs) || !p.conditionMetFor(ev) {
		return
	}
	p.sample(ev)
}

func (p *ValueProducer) sample(ev *model.LogEvent) {
	raw, ok := p.extract(ev)
	if !ok {
		return
	}
	dim := model.Project(p.def.Dimensions, ev)

	v := raw
	if p.useDiff {
		anchor := p.diffBase[dim.Enc()]
		p.diffBase[dim.Enc()] = diffAnchor{last: raw, ok: true}
		if !anchor.ok {
			return
		}
		v = raw - anchor.last
		if v < 0 {
			// Non-monotonic counter: treat as reset and re-anchor.
			v = 0
		}
		if v == 0 && p.skipZero {
			return
		}
	}

	states := p.stateTupleFor(ev)
	key, dim := p.sliceKey(dim, states, p.distinct)
	s, exists := p.slices[key]
	if !exists {
		s = &valueSlice{dim: dim, states: states, min: math.Inf(1), max: math.Inf(-1)}
		p.slices[key] = s
	}
	s.sum += v
	s.count++
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
}

// extract pulls the configured numeric field out of the event.
func (p *ValueProducer) extract(ev *model.LogEvent) (float64, bool) {
	if p.def.ValueField == nil {
		return 0, false
	}
	for i := range ev.Values {
		if p.def.ValueField.Matches(ev.Values[i].Field.Path) {
			return ev.Values[i].Value.Numeric()
		}
	}
	return 0, false
}

// OnConditionChanged implements Producer. Value metrics sample at event
// instants, so the edge needs no interval surgery beyond the diff chain:
// a False edge with use_diff keeps the anchor (gap deltas collapse into
// the next sample, which is correct for monotonic counters).
func (p *ValueProducer) OnConditionChanged(cond model.ConditionState, eventTimeNs int64) {
	p.FlushIfNeeded(eventTimeNs)
	if cond == model.ConditionTrue && p.condition != model.ConditionTrue && p.pullAtom != 0 {
		p.needsPull = true
	}
	p.condition = cond
}

// OnStateChanged implements Producer; values key each sample by the state
// current at the sample instant.
func (p *ValueProducer) OnStateChanged(int64, int32, model.DimensionKey, int32, int32) {}

// FlushIfNeeded implements Producer.
func (p *ValueProducer) FlushIfNeeded(eventTimeNs int64) {
	for eventTimeNs >= p.bucketEndNs() {
		if p.pullAtom != 0 {
			// Pull-based metrics sample at every bucket boundary.
			p.needsPull = true
		}
		p.seal(p.bucketEndNs(), false)
		p.currentStart = p.bucketEndNs()
	}
}

// NotifySplitBucket implements Producer.
func (p *ValueProducer) NotifySplitBucket(eventTimeNs int64) {
	if eventTimeNs > p.currentStart && eventTimeNs < p.bucketEndNs() {
		p.seal(eventTimeNs, true)
		p.currentStart = eventTimeNs
	}
}

func (p *ValueProducer) seal(endNs int64, partial bool) {
	if len(p.slices) == 0 {
		return
	}
	bucket := report.Bucket{StartNs: p.currentStart, EndNs: endNs, Partial: partial}
	feeds := make(map[string]anomalyFeed)
	keys := make([]string, 0, len(p.slices))
	for k := range p.slices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := p.slices[k]
		sv := report.SliceValue{
			Dimension:   rawDim(s.dim),
			States:      s.states,
			Sum:         s.sum,
			Min:         s.min,
			Max:         s.max,
			SampleCount: s.count,
		}
		if p.aggregation == model.ValueAvg && s.count > 0 {
			sv.Sum = s.sum / float64(s.count)
		}
		bucket.Values = append(bucket.Values, sv)
		feeds[s.dim.Enc()] = anomalyFeed{dim: s.dim, value: feeds[s.dim.Enc()].value + int64(s.sum)}
	}
	p.sealPast(bucket, feeds)
	p.slices = make(map[string]*valueSlice)
	p.distinct = make(map[string]struct{})
}

// Report implements Producer.
func (p *ValueProducer) Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport {
	p.FlushIfNeeded(dumpTimeNs)
	if includePartial && dumpTimeNs > p.currentStart {
		p.seal(dumpTimeNs, true)
		p.currentStart = dumpTimeNs
	}
	r := p.drainReport()
	finalizeDimensions(&r, flags, pool)
	return r
}
